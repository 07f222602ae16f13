package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/grouppick/backend/internal/otp"
	"github.com/grouppick/backend/internal/session"
	"github.com/grouppick/backend/internal/store"
)

var validate = validator.New()

type sendOTPRequest struct {
	Phone string `json:"phone" validate:"required,min=10,max=16"`
}

type verifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,min=10,max=16"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// HandleSendOTP dispatches a one-time code to the given phone.
func HandleSendOTP(svc *otp.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendOTPRequest
		if err := decode(r, &req); err != nil {
			writeMessage(w, http.StatusBadRequest, otp.ErrInvalidPhone.Error())
			return
		}

		res, err := svc.Send(r.Context(), req.Phone, clientAddr(r), r.UserAgent())
		if err != nil {
			writeError(w, err)
			return
		}

		body := map[string]string{"message": msgOTPSent}
		if res.Code != "" {
			// Sandbox only: the code rides in the response instead of an SMS.
			body["otp"] = res.Code
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// HandleVerifyOTP checks the code and, on success, opens a session.
func HandleVerifyOTP(otpSvc *otp.Service, sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyOTPRequest
		if err := decode(r, &req); err != nil {
			writeMessage(w, http.StatusBadRequest, otp.ErrInvalidCode.Error())
			return
		}

		addr := clientAddr(r)
		user, err := otpSvc.Verify(r.Context(), req.Phone, req.Code, addr)
		if err != nil {
			writeError(w, err)
			return
		}

		pair, err := sessions.Create(r.Context(), user.ID, addr, r.UserAgent())
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
			"session": map[string]interface{}{
				"id":        pair.Session.ID,
				"userId":    pair.Session.UserID,
				"expiresAt": pair.Session.ExpiresAt,
			},
		})
	}
}

// HandleRefresh exchanges a refresh token for a new access token.
func HandleRefresh(sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decode(r, &req); err != nil {
			writeMessage(w, http.StatusUnauthorized, msgInvalidToken)
			return
		}

		pair, err := sessions.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": pair.AccessToken})
	}
}

// HandleListSessions returns the caller's sessions.
func HandleListSessions(sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		list, err := sessions.List(r.Context(), p.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []*store.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
	}
}

// HandleDeleteSession revokes one of the caller's sessions.
func HandleDeleteSession(sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		id := mux.Vars(r)["id"]
		if err := sessions.Delete(r.Context(), id, p.UserID); err != nil {
			writeError(w, err)
			return
		}
		writeMessage(w, http.StatusOK, "SESSION_REVOKED")
	}
}

// HandleDeleteAllSessions revokes every session of the caller.
func HandleDeleteAllSessions(sessions *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		n, err := sessions.DeleteAll(r.Context(), p.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "SESSIONS_REVOKED", "count": n})
	}
}
