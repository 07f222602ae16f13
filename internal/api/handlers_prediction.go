package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/grouppick/backend/internal/dispatch"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/store"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

type submitRequest struct {
	Predict json.RawMessage `json:"predict" validate:"required"`
}

// HandleTeams returns the full team list. Public.
func HandleTeams(svc *prediction.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teams, err := svc.Teams(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if teams == nil {
			teams = []*store.Team{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"teams": teams})
	}
}

// HandleSubmit stores the caller's prediction.
func HandleSubmit(svc *prediction.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decode(r, &req); err != nil {
			writeMessage(w, http.StatusBadRequest, prediction.ErrInvalidFormat.Error())
			return
		}

		p, _ := PrincipalFrom(r.Context())
		pred, err := svc.Submit(r.Context(), p.UserID, req.Predict)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"predictionId": pred.ID})
	}
}

// HandleResults returns the caller's scored results, newest first.
func HandleResults(svc *prediction.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		results, err := svc.Results(r.Context(), p.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if results == nil {
			results = []*store.Result{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
	}
}

// HandleLeaderboard returns the top scorers. Public.
func HandleLeaderboard(svc *prediction.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultLeaderboardLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > maxLeaderboardLimit {
			limit = maxLeaderboardLimit
		}

		entries, err := svc.Leaderboard(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []store.LeaderboardEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
	}
}

// HandleTriggerProcessing starts a scoring run over all unscored
// submissions. Admin only.
func HandleTriggerProcessing(d *dispatch.Dispatcher, mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queued, total, err := d.Dispatch(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queued": queued,
			"total":  total,
			"mode":   mode,
		})
	}
}

// HandleProcessingStatus reports scoring progress and queue depth. Admin only.
func HandleProcessingStatus(d *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := d.ProcessingStatus(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
