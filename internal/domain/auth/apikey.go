package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// ErrUnknownKey is returned when no active key matches the presented hash.
var ErrUnknownKey = errors.New("unknown api key")

// Scopes understood by the discount API.
const (
	ScopeRead  = "discounts:read"
	ScopeApply = "discounts:apply"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Allows reports whether the key grants scope. A key with no scopes grants
// everything.
func (k *APIKeyInfo) Allows(scope string) bool {
	return len(k.Scopes) == 0 || slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
