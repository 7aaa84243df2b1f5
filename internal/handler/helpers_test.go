package handler

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func itoa(v int) string { return strconv.Itoa(v) }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
