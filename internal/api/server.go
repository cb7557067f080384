package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/metrics"
)

const healthTimeout = 2 * time.Second

// Server wraps an HTTP server with concent routing.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds the client-facing route table. It is separate from
// NewServer so tests can drive it through httptest.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/send", h.Send).Methods(http.MethodPost)
	api.HandleFunc("/receive", h.Receive).Methods(http.MethodPost)
	api.HandleFunc("/receive-out-of-band", h.ReceiveOutOfBand).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Concent-Client-Public-Key"},
	})
	return c.Handler(r)
}

// NewAdminRouter builds the internal route table: escalation resolution,
// storage cluster upload reports and metrics. It belongs on a listener
// reachable only by operators and the storage cluster. A non-empty token
// is required as a bearer token on every request except /metrics.
func NewAdminRouter(h *Handler, token string) http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(requireToken(token))
	authed.HandleFunc("/api/v1/health", h.Health).Methods(http.MethodGet)
	authed.HandleFunc("/api/v1/admin/subtasks/{subtask_id}", h.GetSubtask).Methods(http.MethodGet)
	authed.HandleFunc("/api/v1/admin/subtasks/{subtask_id}/resolve", h.ResolveSubtask).Methods(http.MethodPost)
	authed.HandleFunc("/conductor/report-upload/{path:.+}", h.ReportUpload).Methods(http.MethodPost)
	return r
}

// NewServer creates a Server that serves handler on the given address.
func NewServer(handler http.Handler, listenAddr string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a URL for log output.
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// requireToken rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check.
func requireToken(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, domain.ErrAdminUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request latency by route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
