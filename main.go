package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"riderconnect-server/config"
	"riderconnect-server/domain"
	"riderconnect-server/engine"
	"riderconnect-server/hub"
	"riderconnect-server/protocol"
	"riderconnect-server/relay"
	"riderconnect-server/store"
	"riderconnect-server/telemetry"
	ws "riderconnect-server/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	metrics := telemetry.NewMetrics(otel.Meter(cfg.ServiceName))

	st, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	rooms := hub.New()
	opts := []engine.Option{engine.WithMetrics(metrics)}
	if cfg.NATSURL != "" {
		nc, err := relay.Connect(ctx, cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			slog.Error("nats unavailable", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		opts = append(opts, engine.WithPublisher(relay.New(rooms, nc, cfg.NATSPrefix)))
		slog.Info("broadcast relay enabled", "url", cfg.NATSURL, "prefix", cfg.NATSPrefix)
	}

	eng := engine.New(engine.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		DisconnectGrace:   cfg.DisconnectGrace,
		StatusInterval:    cfg.StatusInterval,
		AlertCooldown:     cfg.AlertCooldown,
		DefaultThreshold:  cfg.DefaultThreshold,
	}, st, rooms, opts...)
	eng.Start(ctx)
	handler := protocol.NewHandler(eng, metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(handler))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(eng))
	mux.HandleFunc("POST /hooks/member-joined", memberJoinedHandler(eng))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	eng.Close()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Error("metrics shutdown error", "error", err)
	}
}

func setupLogger(levelName string) {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(ctx context.Context, dsn string) (domain.Store, func(), error) {
	if dsn == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}, nil
}

func wsHandler(handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.NewString(), conn, handler)
		slog.Debug("connection opened", "connId", wsConn.ID(), "remote", r.RemoteAddr)
		wsConn.Start()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, connections, online := eng.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"rooms":       rooms,
			"connections": connections,
			"online":      online,
		})
	}
}

var hookValidator = validator.New(validator.WithRequiredStructEnabled())

// memberJoinedHandler is called by the group service after a member joins.
func memberJoinedHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p domain.MemberJoinedPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		if err := protocol.Validate(hookValidator, &p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := eng.MemberJoined(r.Context(), p.GroupID, p.Identity, p.DisplayName); err != nil {
			status := http.StatusInternalServerError
			switch domain.ErrorCode(err) {
			case "not_found":
				status = http.StatusNotFound
			case "store_unavailable":
				status = http.StatusServiceUnavailable
			}
			slog.Warn("member-joined hook failed", "groupId", p.GroupID, "identity", p.Identity, "error", err)
			writeError(w, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
