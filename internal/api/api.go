// Package api serves the agent's admin and diagnostics endpoints,
// including the healthz path the built-in system rule grants access to.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openconnector/sdagent/internal/config"
	"github.com/openconnector/sdagent/internal/rule"
	"github.com/openconnector/sdagent/internal/statistics"
)

type APIServer struct {
	version    string
	cfg        *config.Config
	addr       string
	rules      []*rule.Rule
	rec        *statistics.Recorder
	httpServer *http.Server
}

// New returns an admin server exposing the provisioned rule set read-only.
func New(addr, version string, cfg *config.Config, rules []*rule.Rule, rec *statistics.Recorder) *APIServer {
	return &APIServer{
		version: version,
		cfg:     cfg,
		addr:    addr,
		rules:   rules,
		rec:     rec,
	}
}

func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("api-server started", slog.String("addr", s.addr))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()
	return nil
}

func (s *APIServer) Addr() string { return s.addr }

func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *APIServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// The healthz paths stay open; the SOCKS layer already gates who can
	// reach them remotely.
	r.Get("/healthz", s.handleHealthz)
	r.Get(fmt.Sprintf("/%s/__SDCINTERNAL__/healthz", s.cfg.ClientID), s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.cfg.APISecret != "" {
			r.Use(s.authMiddleware)
		}

		r.Get("/version", s.handleVersion)
		r.Get("/rules", s.handleRules)

		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/goroutine", pprof.Handler("goroutine"))
			r.Handle("/heap", pprof.Handler("heap"))
			r.Handle("/allocs", pprof.Handler("allocs"))
		})
	})

	return r
}

func (s *APIServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *APIServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// ruleView is the redacted admin representation of a provisioned rule.
type ruleView struct {
	RuleNum         int      `json:"ruleNum"`
	ClientID        string   `json:"clientId"`
	AllowedEntities []string `json:"allowedEntities"`
	Pattern         string   `json:"pattern"`
	PatternType     string   `json:"patternType"`
	HTTPProxyPort   *int     `json:"httpProxyPort,omitempty"`
	SocksServerPort *int     `json:"socksServerPort,omitempty"`
	HasSecretKey    bool     `json:"hasSecretKey"`
}

func (s *APIServer) handleRules(w http.ResponseWriter, _ *http.Request) {
	views := make([]ruleView, 0, len(s.rules))
	for _, r := range s.rules {
		views = append(views, ruleView{
			RuleNum:         r.RuleNum,
			ClientID:        r.ClientID,
			AllowedEntities: r.AllowedEntities,
			Pattern:         r.Pattern,
			PatternType:     string(r.PatternType),
			HTTPProxyPort:   r.HTTPProxyPort,
			SocksServerPort: r.SocksServerPort,
			HasSecretKey:    r.SecretKey != "",
		})
	}

	resp := struct {
		Rules       []ruleView                   `json:"rules"`
		Connections []statistics.ConnectionCount `json:"connections,omitempty"`
	}{Rules: views}
	if s.rec != nil {
		resp.Connections = s.rec.Snapshot()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api-server encode response", slog.Any("error", err))
	}
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			if len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			} else {
				token = auth
			}
		}
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
