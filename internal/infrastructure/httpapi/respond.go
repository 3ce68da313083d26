package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain error codes onto HTTP statuses. Infrastructure
// errors collapse to 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    "INTERNAL",
			Message: "internal error",
		})
		return
	}
	writeJSON(w, statusFor(de.Code), errorBody{
		Code:    string(de.Code),
		Message: de.Message,
		Details: de.Details,
	})
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeIssueNotFound, domain.CodeClaimantNotFound,
		domain.CodeHandoffNotFound, domain.CodeContestNotFound,
		domain.CodeNotClaimed:
		return http.StatusNotFound
	case domain.CodeAlreadyClaimed, domain.CodeHandoffPending,
		domain.CodeInvalidStatusTransition, domain.CodeMaxClaimsExceeded,
		domain.CodeContestPending:
		return http.StatusConflict
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeCapabilityMismatch, domain.CodeNotStealable,
		domain.CodeCrossTypeNotAllowed, domain.CodeInGracePeriod,
		domain.CodeProtectedByProgress:
		return http.StatusUnprocessableEntity
	case domain.CodeValidationError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
