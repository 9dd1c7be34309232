package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeJSON reads and validates a request body. It writes the 400 itself and
// reports false when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	// An empty body decodes as an empty object; validation catches missing fields.
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

// writeDomainError maps scheduling errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		ve *scheduling.ValidationError
		nf *scheduling.NotFoundError
		ce *scheduling.ConflictError
		pv *scheduling.PolicyViolation
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Field: ve.Field, Details: ve.Reason})
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, strings.ReplaceAll(nf.Entity, " ", "_")+"_not_found", nf.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ce.Reason, "slot no longer available, please pick another")
	case errors.As(err, &pv):
		writeError(w, http.StatusUnprocessableEntity, pv.Reason, pv.Message)
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
