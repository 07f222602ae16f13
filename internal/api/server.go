// Package api is the HTTP edge: routing, middleware, request decoding and
// the mapping from service errors to wire responses.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/config"
	"github.com/grouppick/backend/internal/dispatch"
	"github.com/grouppick/backend/internal/otp"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/session"
)

// Pinger is any collaborator the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerHealth is the broker's liveness view; nil when the API runs in
// synchronous scoring mode.
type BrokerHealth interface {
	IsHealthy() bool
}

// Deps carries everything the router wires together.
type Deps struct {
	Config     *config.Config
	Cache      cache.Cache
	DB         Pinger
	Users      UserReader
	Broker     BrokerHealth
	OTP        *otp.Service
	Sessions   *session.Service
	Prediction *prediction.Service
	Dispatcher *dispatch.Dispatcher
	Auditor    *audit.Auditor
	Mode       string // "async" or "sync", echoed by the admin trigger
}

// NewRouter assembles the full route table.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(CORS, RequestLog)

	r.HandleFunc("/health", handleHealth(d)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authLimit := RateLimit(d.Cache, d.Config.RateLimit.MaxRequests, d.Config.RateLimit.Window)
	authed := Authenticate(d.Sessions, d.Auditor, AuthOptions{
		ValidateIP:        d.Config.EnableIPValidation,
		ValidateUserAgent: d.Config.EnableUserAgentValidation,
	})
	admin := RequireAdmin(d.Users, d.Config.AdminPhones)

	// Public auth flow, rate limited per address.
	auth := r.PathPrefix("/auth").Subrouter()
	auth.Handle("/send-otp", authLimit(HandleSendOTP(d.OTP))).Methods(http.MethodPost)
	auth.Handle("/verify-otp", authLimit(HandleVerifyOTP(d.OTP, d.Sessions))).Methods(http.MethodPost)
	auth.Handle("/refresh", authLimit(HandleRefresh(d.Sessions))).Methods(http.MethodPost)

	// Session management requires a live session.
	auth.Handle("/sessions", authed(HandleListSessions(d.Sessions))).Methods(http.MethodGet)
	auth.Handle("/sessions/{id}", authed(HandleDeleteSession(d.Sessions))).Methods(http.MethodDelete)
	auth.Handle("/sessions", authed(HandleDeleteAllSessions(d.Sessions))).Methods(http.MethodDelete)

	pred := r.PathPrefix("/prediction").Subrouter()
	pred.Handle("/teams", HandleTeams(d.Prediction)).Methods(http.MethodGet)
	pred.Handle("/leaderboard", HandleLeaderboard(d.Prediction)).Methods(http.MethodGet)
	pred.Handle("/result", authed(HandleResults(d.Prediction))).Methods(http.MethodGet)
	pred.Handle("", authed(HandleSubmit(d.Prediction))).Methods(http.MethodPost)

	adm := pred.PathPrefix("/admin").Subrouter()
	adm.Handle("/trigger-prediction-process",
		authed(admin(HandleTriggerProcessing(d.Dispatcher, d.Mode)))).Methods(http.MethodPost)
	adm.Handle("/processing-status",
		authed(admin(HandleProcessingStatus(d.Dispatcher)))).Methods(http.MethodGet)

	return r
}

func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy"}
		code := http.StatusOK

		if err := d.DB.Ping(ctx); err != nil {
			status["database"] = "error"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "connected"
		}

		if err := d.Cache.Ping(ctx); err != nil {
			status["cache"] = "error"
			status["status"] = "degraded"
		} else {
			status["cache"] = "connected"
		}

		if d.Broker != nil {
			if d.Broker.IsHealthy() {
				status["broker"] = "connected"
			} else {
				status["broker"] = "error"
				status["status"] = "degraded"
			}
		}

		writeJSON(w, code, status)
	}
}

// NewHTTPServer wraps a handler with the timeouts every process uses.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
