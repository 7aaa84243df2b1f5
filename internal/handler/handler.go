// Package handler exposes the discount operations over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-discounts/internal/domain/auth"
	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is the subset of pricing.Service used by the handlers.
type Service interface {
	Validate(ctx context.Context, req pricing.ValidateRequest) (*pricing.ValidateResponse, error)
	Apply(ctx context.Context, req pricing.ApplyRequest) (*pricing.Summary, error)
	Available(ctx context.Context, customerID int64) ([]*discount.Discount, error)
}

var _ Service = (*pricing.Service)(nil)

// Handler serves the /api/discounts routes.
type Handler struct {
	discounts Service
	security  *SecurityHandler
}

// NewHandler constructs a Handler. A nil security handler leaves the routes
// unauthenticated.
func NewHandler(discounts Service, security *SecurityHandler) *Handler {
	return &Handler{discounts: discounts, security: security}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/discounts", func(r chi.Router) {
		r.With(h.require(auth.ScopeRead)).Post("/validate", h.Validate)
		r.With(h.require(auth.ScopeApply)).Post("/apply", h.Apply)
		r.With(h.require(auth.ScopeRead)).Get("/available", h.Available)
	})
}

func (h *Handler) require(scope string) func(http.Handler) http.Handler {
	if h.security == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.security.Require(scope)
}
