package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocx/syncworld/internal/admin"
	"github.com/ocx/syncworld/internal/auth"
	"github.com/ocx/syncworld/internal/circuitbreaker"
	"github.com/ocx/syncworld/internal/config"
	"github.com/ocx/syncworld/internal/delivery"
	"github.com/ocx/syncworld/internal/events"
	"github.com/ocx/syncworld/internal/fanout"
	"github.com/ocx/syncworld/internal/heartbeat"
	"github.com/ocx/syncworld/internal/identity"
	"github.com/ocx/syncworld/internal/keyframe"
	"github.com/ocx/syncworld/internal/metrics"
	"github.com/ocx/syncworld/internal/query"
	"github.com/ocx/syncworld/internal/ratelimit"
	"github.com/ocx/syncworld/internal/scheduler"
	"github.com/ocx/syncworld/internal/session"
	"github.com/ocx/syncworld/internal/store"
	"github.com/ocx/syncworld/internal/ws"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	config.LoadDotEnv(log)
	cfg := config.Get()

	log.Info("syncworld: starting", "env", cfg.Server.Env, "port", cfg.Server.Port)

	breakers := circuitbreaker.NewBreakers()

	gw, err := store.Open(store.Config{
		DSN:          cfg.Store.DSN,
		QueryTimeout: time.Duration(cfg.Global.QueryTimeoutMS) * time.Millisecond,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
	}, log)
	if err != nil {
		log.Error("syncworld: failed to open store", "error", err)
		os.Exit(1)
	}
	defer gw.Close()
	retrying := store.NewRetrying(gw, breakers.Store, log)

	m := metrics.New()

	var emitter events.Emitter
	if cfg.Events.PubSubEnabled && cfg.Events.ProjectID != "" {
		pubsubBus, err := events.NewPubSubBus(cfg.Events.ProjectID, cfg.Events.TopicID, breakers.PubSub)
		if err != nil {
			log.Warn("syncworld: pubsub bus init failed, falling back to in-memory", "error", err)
			emitter = events.NewBus()
		} else {
			emitter = pubsubBus
		}
	} else {
		emitter = events.NewBus()
	}

	registry := session.NewRegistry()
	gate := auth.NewGate(retrying)
	kf := keyframe.NewBuilder(retrying, log)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.RedisAddr != "" {
		redisLimiter, err := ratelimit.NewRedis(cfg.RateLimit.RedisAddr, cfg.RateLimit.RequestsPerWindow, time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond)
		if err != nil {
			log.Warn("syncworld: redis rate limiter unavailable, falling back to in-memory", "error", err)
			limiter = ratelimit.NewWindow(cfg.RateLimit.RequestsPerWindow, time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond)
		} else {
			limiter = redisLimiter
		}
	} else {
		limiter = ratelimit.NewWindow(cfg.RateLimit.RequestsPerWindow, time.Duration(cfg.RateLimit.WindowMS)*time.Millisecond)
	}
	defer limiter.Close()

	qe := query.NewExecutor(retrying, limiter, time.Duration(cfg.Global.QueryTimeoutMS)*time.Millisecond, cfg.Global.MaxQueryResponseBytes, m, log)

	router := fanout.NewRouter(registry, m, log)
	sched := scheduler.New(retrying, router.Route, m, log)
	sched.SetEmitter(emitter)

	groupCfgs := make([]scheduler.GroupConfig, 0, len(cfg.SyncGroups))
	for name, g := range cfg.SyncGroups {
		groupCfgs = append(groupCfgs, scheduler.GroupConfig{
			SyncGroup:      name,
			TickRate:       time.Duration(g.TickRateMS) * time.Millisecond,
			MaxBufferTicks: g.MaxBufferTicks,
		})
	}

	pipeline := delivery.NewPipeline(time.Duration(cfg.Server.WriteTimeoutSec)*time.Second, m, log)

	reaper := heartbeat.NewReaper(registry, retrying,
		time.Duration(cfg.Global.ReaperIntervalMS)*time.Millisecond,
		time.Duration(cfg.Global.HeartbeatInactivityMS)*time.Millisecond,
		m, log)
	reaper.SetEmitter(emitter)

	wsServer := ws.NewServer(gate, registry, kf, qe, pipeline, cfg, m, log)
	wsServer.SetEmitter(emitter)

	var verifier *identity.Verifier
	if cfg.Identity.Enabled {
		v, err := identity.NewVerifier(cfg.Identity.WorkloadSocket)
		if err != nil {
			log.Warn("syncworld: SPIFFE verifier unavailable, admin gRPC surface will run without mTLS", "error", err)
		} else {
			verifier = v
			defer verifier.Close()
		}
	}

	adminServer := admin.NewServer(registry, breakers, log)
	grpcServer, err := admin.ServeGRPC(cfg.Admin.GRPCAddr, adminServer, verifier, cfg.Identity.TrustDomain, log)
	if err != nil {
		log.Error("syncworld: failed to start admin gRPC surface", "error", err)
		os.Exit(1)
	}

	adminHTTP := &http.Server{
		Addr:    cfg.Admin.HTTPAddr,
		Handler: adminServer.HTTPHandler(m),
	}
	go func() {
		log.Info("syncworld: admin HTTP surface listening", "addr", cfg.Admin.HTTPAddr)
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("syncworld: admin HTTP server failed", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.UpgradePath, wsServer.HandleUpgrade)
	syncServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx, groupCfgs)
	reaper.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("syncworld: shutdown signal received, draining sessions")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		drainSessions(registry, log)

		if err := syncServer.Shutdown(shutdownCtx); err != nil {
			log.Error("syncworld: sync server shutdown error", "error", err)
		}
		if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
			log.Error("syncworld: admin HTTP shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		reaper.Stop()
		sched.Stop()
	}()

	log.Info("syncworld: sync surface listening", "addr", syncServer.Addr, "path", cfg.Server.UpgradePath)
	if err := syncServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("syncworld: sync server failed", "error", err)
	}

	log.Info("syncworld: stopped")
}

// drainSessions sends every live session a normal-closure frame before the
// registry tears down, so clients see an explicit close instead of a dropped
// connection.
func drainSessions(registry *session.Registry, log *slog.Logger) {
	deadline := time.Now().Add(time.Second)
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")

	closed := 0
	for group := range registry.CountByGroup() {
		registry.ForEachInSyncGroup(group, func(sess *session.Session) {
			if conn, ok := sess.Socket.(*delivery.Conn); ok {
				_ = conn.WriteControl(websocket.CloseMessage, closeFrame, deadline)
			}
			sess.Close()
			closed++
		})
	}
	log.Info("syncworld: drained sessions", "closed", closed)
}
