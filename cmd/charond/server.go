// Command charond is an example HTTP service wired on the charon session
// engine: login issues a session, refresh rotates it, logout revokes it, and
// /me is a token-protected endpoint.
//
// Configuration is environment-only. On top of the CHARON_* session variables:
//
//	CHARON_SIGNING_KEY  token signing key (required)
//	CHARON_KEY_ID       key ID placed in the kid header (default "primary")
//	CHARON_AT_REST_KEY  Redis at-rest HMAC key (default: the signing key)
//	CHARON_REDIS_ADDR   Redis address; unset selects the in-memory store
//	CHARON_LISTEN_ADDR  listen address (default ":8080")
//	CHARON_LOG_LEVEL    debug|info|warn|error (default "info")
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"charon/session"
	"charon/token"
)

type server struct {
	svc *session.Service
	log *slog.Logger
}

func run() error {
	log := newLogger(os.Getenv("CHARON_LOG_LEVEL"))

	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signingKey := os.Getenv("CHARON_SIGNING_KEY")
	if signingKey == "" {
		return errors.New("CHARON_SIGNING_KEY is required")
	}
	keyID := os.Getenv("CHARON_KEY_ID")
	if keyID == "" {
		keyID = "primary"
	}
	atRestKey := os.Getenv("CHARON_AT_REST_KEY")
	if atRestKey == "" {
		atRestKey = signingKey
	}

	factory, err := token.NewSymmetricJWT(func() token.Keyset {
		return token.Keyset{
			CurrentKeyID: keyID,
			Keys:         map[string][]byte{keyID: []byte(signingKey)},
		}
	})
	if err != nil {
		return err
	}

	var store session.Store
	if addr := os.Getenv("CHARON_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()

		store, err = session.NewRedisStore(client,
			func() []byte { return []byte(atRestKey) },
			session.WithLogger(log),
		)
		if err != nil {
			return err
		}
		log.Info("charond.store", "backend", "redis", "addr", addr)
	} else {
		store = session.NewMemoryStore()
		log.Warn("charond.store", "backend", "memory")
	}

	svc, err := session.NewService(cfg, store, factory, log)
	if err != nil {
		return err
	}

	s := &server{svc: svc, log: log}

	accessPipe := session.NewAccessPipeline(cfg, store, factory)
	refreshPipe := session.NewRefreshPipeline(cfg, store, factory)

	r := chi.NewRouter()
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(refreshPipe.Middleware)
		r.Post("/refresh", s.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(accessPipe.Middleware)
		r.Get("/me", s.handleMe)
		r.Post("/logout", s.handleLogout)
		r.Post("/logout_all", s.handleLogoutAll)
	})

	addr := os.Getenv("CHARON_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("charond.listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

type loginRequest struct {
	UserID    string         `json:"user_id"`
	Transport string         `json:"transport,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// handleLogin issues a new session. A real deployment verifies credentials
// first; this example trusts the request body.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rc := &session.RequestContext{}
	opts := []session.Option{
		session.WithUserID(req.UserID),
		session.WithExtraPayload(req.Payload),
	}
	if strings.EqualFold(req.Transport, string(session.TransportCookie)) {
		opts = append(opts, session.WithTransport(session.TransportCookie))
	}

	if err := s.svc.UpsertSession(r.Context(), time.Now(), rc, opts...); err != nil {
		s.log.Error("charond.login", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	s.writeTokens(w, rc)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rc, _ := session.FromContext(r.Context())
	if s.denyHalted(w, rc) {
		return
	}

	if err := s.svc.UpsertSession(r.Context(), time.Now(), rc); err != nil {
		s.log.Error("charond.refresh", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if s.denyHalted(w, rc) {
		return
	}

	s.writeTokens(w, rc)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	rc, _ := session.FromContext(r.Context())
	if s.denyHalted(w, rc) {
		return
	}

	if err := s.svc.Logout(r.Context(), time.Now(), rc); err != nil {
		s.log.Error("charond.logout", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if s.denyHalted(w, rc) {
		return
	}

	rc.WriteCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	rc, _ := session.FromContext(r.Context())
	if s.denyHalted(w, rc) {
		return
	}

	if err := s.svc.LogoutAll(r.Context(), time.Now(), rc); err != nil {
		s.log.Error("charond.logout_all", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if s.denyHalted(w, rc) {
		return
	}

	rc.WriteCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	rc, _ := session.FromContext(r.Context())
	if s.denyHalted(w, rc) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    rc.UserID,
		"session_id": rc.SessionID,
	})
}

// denyHalted converts a halted context into a 401 with the stable auth-error
// message. Returns true when the request is finished.
func (s *server) denyHalted(w http.ResponseWriter, rc *session.RequestContext) bool {
	if rc == nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return true
	}
	if !rc.Halted {
		return false
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": rc.AuthError.Error(),
	})
	return true
}

func (s *server) writeTokens(w http.ResponseWriter, rc *session.RequestContext) {
	rc.WriteCookies(w)
	writeJSON(w, http.StatusOK, rc.Tokens)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newLogger creates a JSON structured logger with an explicit log level.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}
