package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

// Validate handles POST /api/discounts/validate. An unusable code is
// answered with 400 and the same body shape as a usable one.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeValidate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	resp, err := h.discounts.Validate(r.Context(), req)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	status := http.StatusOK
	if !resp.Valid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeValidate(e, resp) })
}

// Apply handles POST /api/discounts/apply.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeApply(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	summary, err := h.discounts.Apply(r.Context(), req)
	if err != nil {
		if status, msg, ok := applyError(err); ok {
			writeError(w, status, msg)
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSummary(e, summary) })
}

// Available handles GET /api/discounts/available?customerId=.
func (h *Handler) Available(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("customerId")
	customerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "customerId must be an integer")
		return
	}

	rules, err := h.discounts.Available(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, pricing.ErrCustomerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeDiscounts(e, rules) })
}

// applyError maps the domain errors of Apply to a client error response.
func applyError(err error) (int, string, bool) {
	var iqErr *pricing.InvalidQuantityError
	switch {
	case errors.Is(err, pricing.ErrCustomerNotFound),
		errors.Is(err, pricing.ErrCartUnavailable),
		errors.Is(err, pricing.ErrCartEmpty):
		return http.StatusBadRequest, err.Error(), true
	case errors.As(err, &iqErr):
		return http.StatusBadRequest, iqErr.Error(), true
	default:
		return 0, "", false
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zctx.From(r.Context()).Error("Request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read request body")
		return nil, false
	}
	return body, true
}
