package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/infra/logging"
)

type errorBody struct {
	Error  string              `json:"error"`
	Reason model.InvalidReason `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Reason: model.ReasonInvalidRequest})
}

// writeError maps domain errors onto the HTTP contract. Rule violations are
// 400s with a displayable message; anything else is logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case domain.IsBusinessFailure(err):
		reason := model.ReasonOf(err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: reason.Err().Error(), Reason: reason})
	default:
		l := logging.With(r.Context(), logger)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
