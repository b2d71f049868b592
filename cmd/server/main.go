package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yakshears/passgate/internal/ceremony"
	"github.com/yakshears/passgate/internal/directory"
	"github.com/yakshears/passgate/internal/gate"
	"github.com/yakshears/passgate/internal/session"
	"github.com/yakshears/passgate/internal/web"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	policy, err := cfg.LoadPolicy()
	if err != nil {
		slog.Error("Failed to load route policy", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Directory snapshot backend
	var snapshot directory.Snapshot
	switch cfg.StorageMode {
	case "s3":
		s3Snapshot, err := directory.NewS3Snapshot(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.Key, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 snapshot", "error", err)
			os.Exit(1)
		}
		snapshot = s3Snapshot
		slog.Info("Using S3 snapshot", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsSnapshot, err := directory.NewFilesystemSnapshot(cfg.SnapshotPath)
		if err != nil {
			slog.Error("Failed to create filesystem snapshot", "error", err)
			os.Exit(1)
		}
		snapshot = fsSnapshot
		slog.Info("Using filesystem snapshot", "path", cfg.SnapshotPath)
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode, "valid_modes", []string{"s3", "filesystem"})
		os.Exit(1)
	}

	// Session store backend
	var store session.Store
	switch cfg.SessionMode {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		store = session.NewRedisStore(redisClient)
		slog.Info("Using Redis sessions", "addr", cfg.Redis.Addr)
	case "memory":
		store = session.NewMemoryStore()
		slog.Info("Using in-memory sessions, a restart logs everyone out")
	default:
		slog.Error("Invalid SESSION_MODE", "mode", cfg.SessionMode, "valid_modes", []string{"redis", "memory"})
		os.Exit(1)
	}

	issuer := session.NewIssuer(store, cfg.SessionTTL)
	dir, err := directory.Open(ctx, snapshot, issuer)
	if err != nil {
		slog.Error("Failed to open directory", "error", err)
		os.Exit(1)
	}

	verifier, err := ceremony.NewWebAuthnVerifier(cfg.RPID, cfg.RPName, cfg.RPOrigins)
	if err != nil {
		slog.Error("Failed to create WebAuthn verifier", "error", err)
		os.Exit(1)
	}
	engine := ceremony.NewEngine(dir, verifier)

	handlers, err := web.NewHandlers(engine, dir)
	if err != nil {
		slog.Error("Failed to create handlers", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /home", homeHandler)

	handler := gate.Chain(mux,
		gate.Logging(),
		gate.RequireAuth(dir, gate.NewPolicy(policy.PublicPaths, policy.PublicPrefixes)),
	)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		slog.Info("Starting server", "addr", server.Addr, "rp_id", cfg.RPID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server", "error", err)
	}
	if err := dir.Close(shutdownCtx); err != nil {
		slog.Error("Failed to flush directory", "error", err)
	}
}

// homeHandler is a stand-in for the application behind the gate. The gate
// guarantees an identity is attached by the time this runs.
func homeHandler(w http.ResponseWriter, r *http.Request) {
	user := gate.Identity(r.Context())
	if user == nil {
		http.Redirect(w, r, gate.LoginPath, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<h1>Welcome, %s</h1><p><a href=%q>Log out</a></p>",
		template.HTMLEscapeString(user.DisplayName), "/auth/logout")
}
