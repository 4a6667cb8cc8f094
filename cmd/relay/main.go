package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/durability"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/store"
	"github.com/whisper/relay/internal/supervisor"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.SetLevel(cfg.Level())
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Whisper relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  store:           %s", cfg.StoreDriver)
	log.Printf("  bus:             %s", cfg.BusBackend)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)

	// --- Durable store ---
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := store.Open(openCtx, cfg.StoreDriver, cfg.DatabaseURL, cfg.Migrate)
	cancel()
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	// --- Redis (optional) ---
	var (
		rdb      *redis.Client
		presence *session.Presence
		limiter  *ratelimit.Limiter
		recent   *durability.RedisCache
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     100,
			MinIdleConns: 10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		presence = session.NewPresence(rdb, cfg.ServerName, cfg.PresenceStaleAfter)
		limiter = ratelimit.NewLimiter(rdb)
		recent = durability.NewRedisCache(rdb)
	}

	// --- Bus (optional) ---
	bus, err := openBus(cfg)
	if err != nil {
		log.Fatalf("failed to connect to %s bus: %v", cfg.BusBackend, err)
	}

	// --- Core components ---
	registry := session.NewRegistry(presence)
	guard := moderation.NewGuard(moderation.Config{
		Window:      cfg.SpamWindow,
		Threshold:   cfg.SpamThreshold,
		BanDuration: cfg.BanDuration,
		Retention:   cfg.WindowRetention,
	})

	var cache durability.Cache
	if recent != nil {
		cache = recent
	}
	syncer := durability.NewSyncer(st, cache, durability.Config{
		PollInterval: cfg.SyncPollInterval,
		BatchSize:    cfg.SyncBatchSize,
		MaxStaleness: cfg.SyncMaxStaleness,
		MaxAttempts:  cfg.SyncMaxAttempts,
	})

	rl := relay.New(relay.Config{
		ServerName:    cfg.ServerName,
		Subject:       cfg.BusSubject,
		BusRetryDelay: cfg.BusRetryDelay,
	}, registry, guard, syncer, bus)

	// --- WebSocket server ---
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, registry, st, limiter, nil)

	dispatcher := ws.NewMessageDispatcher(server)
	dispatcher.Register(protocol.TypeChat, func(ctx context.Context, conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		s := conn.Session()
		if s == nil {
			return
		}
		verdict, err := rl.Submit(ctx, s, chatMsg.Message)
		if err != nil {
			log.Debugf("[chat] user=%s rejected: %v", s.UserID, err)
			return
		}
		if !verdict.Allowed() {
			log.Debugf("[chat] user=%s %s (%ds left)", s.UserID, verdict.Outcome, verdict.SecondsLeft())
		}
	})
	server.SetOnMessage(dispatcher.Dispatch)

	server.SetOnConnect(func(conn *ws.Connection) {
		if s := conn.Session(); s != nil {
			rl.Announce(server.Context(), fmt.Sprintf("%s joined the chat", s.DisplayName))
		}
	})
	server.SetOnDisconnect(func(conn *ws.Connection, left bool) {
		s := conn.Session()
		if s == nil || !left {
			return
		}
		rl.Announce(server.Context(), fmt.Sprintf("%s left the chat", s.DisplayName))
	})

	server.Handle("GET /metrics", metrics.Handler())
	var perUser ws.UserHistorySource
	if recent != nil {
		perUser = recent
	}
	server.Handle("GET /recent_messages", ws.HistoryHandler(syncer, perUser, limiter))
	server.AddHealthDetail("moderation", func() interface{} {
		windows, bans := guard.Tracked()
		return map[string]int{"windows": windows, "bans": bans}
	})
	server.AddHealthDetail("sync", func() interface{} { return syncer.Stats() })

	// --- Background loops ---
	sup := supervisor.New(supervisor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		CleanupInterval:   cfg.CleanupInterval,
		SyncInterval:      syncer.PollInterval(),
		PresenceInterval:  cfg.PresenceInterval,
		Backoff:           cfg.LoopBackoff,
	}, registry, guard, syncer, rl)
	if bus != nil {
		sup.Go("bus", rl.RunBus)
	}
	sup.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, initiating graceful shutdown...")
	case err := <-serveErr:
		if err != nil {
			log.Errorf("server error: %v", err)
		}
	}

	// Stop accepting and drop every session first so no message is buffered
	// after the final flush starts.
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	sup.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownFlush)
	if err := syncer.Flush(flushCtx); err != nil {
		log.Errorf("final flush failed, %d messages not persisted: %v", syncer.Pending(), err)
	}
	cancel()

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Printf("bus close error: %v", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	log.Printf("relay stopped")
}

// openBus connects the configured distribution bus. It returns nil for a
// single-node deployment.
func openBus(cfg config.Config) (messaging.Bus, error) {
	switch cfg.BusBackend {
	case config.BusNATS:
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		client, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BusAMQP:
		amqpConfig := messaging.DefaultAMQPConfig()
		amqpConfig.URL = cfg.AMQPURL
		client, err := messaging.NewAMQPClient(amqpConfig)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, nil
	}
}
