package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/grouppick/backend/internal/otp"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/session"
	"github.com/grouppick/backend/internal/store"
)

// Auth-layer wire constants.
const (
	msgMissingToken = "MISSING_ACCESS_TOKEN"
	msgInvalidToken = "INVALID_OR_EXPIRED_TOKEN"
	msgIPMismatch   = "SESSION_IP_MISMATCH"
	msgForbidden    = "ADMIN_ONLY"
	msgRateLimited  = "TOO_MANY_REQUESTS"
	msgInternal     = "INTERNAL_ERROR"
	msgOTPSent      = "OTP_SENT_SUCCESSFULLY"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeError maps a service error to its status code and wire constant.
// Unrecognized errors become an opaque 500; internal text never reaches the
// client.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, otp.ErrExceededSendLimit),
		errors.Is(err, otp.ErrCooldownActive),
		errors.Is(err, otp.ErrTooManyAttempts):
		writeMessage(w, http.StatusTooManyRequests, err.Error())

	case errors.Is(err, otp.ErrInvalidPhone),
		errors.Is(err, otp.ErrNotFoundOrExpired),
		errors.Is(err, otp.ErrExpired),
		errors.Is(err, otp.ErrInvalidCode),
		errors.Is(err, prediction.ErrInvalidFormat):
		writeMessage(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, session.ErrInvalidToken):
		writeMessage(w, http.StatusUnauthorized, msgInvalidToken)

	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "NOT_FOUND")

	default:
		slog.Error("request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, msgInternal)
	}
}
