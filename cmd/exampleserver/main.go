// Command exampleserver wires a single realm behind a chi router, the way
// cmd/api did for the teacher's multi-tenant service. It exists to prove
// the library is usable end to end; HTTP routing itself is not part of the
// module's contract, so this stays a thin demonstration, not a framework.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/lavente/identity-core/internal/audit"
	"github.com/lavente/identity-core/internal/auth"
	"github.com/lavente/identity-core/internal/config"
	"github.com/lavente/identity-core/internal/corecrypto"
	"github.com/lavente/identity-core/internal/coreevents"
	"github.com/lavente/identity-core/internal/coreid"
	"github.com/lavente/identity-core/internal/corelog"
	"github.com/lavente/identity-core/internal/corestore/pg"
	"github.com/lavente/identity-core/internal/notify"
	"github.com/lavente/identity-core/internal/realm"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	log := corelog.Setup(cfg.Env)
	if err != nil {
		log.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	log.Info("application_startup", "env", cfg.Env, "realm", cfg.RealmName)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: cfg.Env, TracesSampleRate: 1.0}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := pg.New(pool)

	clock := coreid.SystemClock{}
	ids := coreid.GoogleUUIDGen{}
	bus := coreevents.NewBus(cfg.RealmName, log)

	keys, err := auth.NewKeySet(cfg.TokenKeyID, map[string][]byte{cfg.TokenKeyID: []byte(cfg.TokenKey)})
	if err != nil {
		log.Error("keyset_build_failed", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenEngine(auth.TokenEngineConfig{
		Realm: cfg.RealmName, Keys: keys, Store: store, Clock: clock, IDs: ids, Bus: bus,
		Issuer: cfg.TokenIssuer, Audience: cfg.TokenAudience,
		AccessValidity: 15 * time.Minute, RefreshValidity: 30 * 24 * time.Hour,
		PersistAccess: true, PersistRefresh: true,
		Rotation: auth.RotationPolicy{Enabled: true, GracePeriod: 30 * time.Second, RevokeFamilyOnReplay: true},
	})
	lockout := auth.NewLockoutEngine(cfg.RealmName, auth.ModerateLockoutPolicy(), store, clock, ids, bus)
	sessions := auth.NewSessionEngine(auth.SessionEngineConfig{
		Realm: cfg.RealmName, Store: store, Clock: clock, IDs: ids, Logger: log,
		Policy: auth.SessionPolicy{
			SessionExpiration: 30 * 24 * time.Hour, MaxConcurrentSessions: 10,
			CleanupInterval: time.Hour, SessionHistoryRetention: 90 * 24 * time.Hour,
			DetectNewDevice: true, DetectNewLocation: true, LocationRadiusKm: 250,
		},
	})

	secretKey := []byte(os.Getenv("MFA_SECRET_KEY"))
	var mfa *auth.MfaEngine
	if len(secretKey) == 32 {
		secrets, err := corecrypto.NewSecretBox(secretKey)
		if err != nil {
			log.Error("secretbox_build_failed", "error", err)
			os.Exit(1)
		}
		sender := &notify.DevSender{Logger: log}
		mfa = auth.NewMfaEngine(auth.MfaEngineConfig{
			Realm: cfg.RealmName, Issuer: cfg.TokenIssuer, Store: store, Clock: clock, IDs: ids, Bus: bus,
			Secrets: secrets, EmailSender: sender, SmsSender: sender,
		})
	} else {
		log.Warn("mfa_disabled", "details", "MFA_SECRET_KEY missing or not 32 bytes")
	}

	auditPipeline := audit.NewPipeline(audit.Config{
		Realm: cfg.RealmName, Store: store, Clock: clock, IDs: ids, Logger: log,
		QueueSize: 1000, BatchSize: 50, FlushInterval: 2 * time.Second,
	})
	go auditPipeline.Run(ctx)
	go auditPipeline.RunRetentionLoop(ctx, 90*24*time.Hour, 24*time.Hour)
	go sessions.RunCleanupLoop(ctx)

	r := realm.New(realm.Config{
		Name: cfg.RealmName, Store: store, Clock: clock,
		Hasher: corecrypto.NewBcryptHasher(12),
		Tokens: tokens, Lockout: lockout, Mfa: mfa, Sessions: sessions,
		Audit: auditPipeline, Bus: bus, Logger: log,
	})

	router := newRouter(r, ids, log)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		log.Info("shutdown_signal_received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			_ = srv.Close()
		}
		pool.Close()
		log.Info("server_shutdown_complete")
	}
}

func newRouter(r *realm.Realm, ids coreid.UuidGen, log interface {
	Error(msg string, args ...any)
}) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post("/v1/register", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Email    *string `json:"email"`
			Phone    *string `json:"phone"`
			Password string  `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := r.Register(req.Context(), ids, realm.RegisterInput{Email: body.Email, Phone: body.Phone, Password: body.Password, Roles: []string{"user"}})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"userId": user.ID})
	})

	mux.Post("/v1/login", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := r.Login(req.Context(), realm.LoginInput{
			Identifier: body.Identifier, Password: body.Password, UserAgent: req.UserAgent(),
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result.Tokens)
	})

	mux.Post("/v1/refresh", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			UserID       uuid.UUID `json:"userId"`
			RefreshToken string    `json:"refreshToken"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		pair, err := r.Refresh(req.Context(), body.UserID, body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, pair)
	})

	mux.Post("/v1/logout", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TokenFamily uuid.UUID `json:"tokenFamily"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := r.Logout(req.Context(), body.TokenFamily); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Get("/v1/me", func(w http.ResponseWriter, req *http.Request) {
		token := req.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		principal := r.VerifyAccess(req.Context(), token)
		if principal == nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		writeJSON(w, http.StatusOK, principal)
	})

	mux.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
