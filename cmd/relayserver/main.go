package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier/relay/internal/config"
	"github.com/courier/relay/internal/messaging"
	"github.com/courier/relay/internal/offline"
	"github.com/courier/relay/internal/protocol"
	"github.com/courier/relay/internal/ratelimit"
	"github.com/courier/relay/internal/relay"
	"github.com/courier/relay/internal/session"
	"github.com/courier/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("Relay server starting")
	log.Printf("  listen_addr:       %s", cfg.ListenAddr)
	log.Printf("  worker_pool:       %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:   %d", cfg.MaxConnections)
	log.Printf("  read_timeout:      %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:     %s", cfg.WriteTimeout)
	log.Printf("  heartbeat:         %s (+%s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  max_frame_bytes:   %d", cfg.MaxFrameBytes)
	log.Printf("  send_buffer_size:  %d", cfg.SendBufferSize)
	log.Printf("  offline_queue_cap: %d", cfg.OfflineQueueCap)
	log.Printf("  redis_addr:        %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:          %s", orDisabled(cfg.NATSURL))
	log.Printf("  server_name:       %s", cfg.ServerName)

	server, router := buildServer(cfg)

	// --- Redis: presence mirror and message rate limit ---
	var mirror *session.Mirror
	if cfg.RedisAddr != "" {
		mirror, err = session.NewMirror(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		router.SetMirror(mirror)

		limiter := ratelimit.NewLimiter(mirror.Client())
		router.SetLimiter(ratelimit.NewGate(limiter, ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow)))
		log.Printf("  message_rate:      %d per %s", cfg.MessageRateLimit, cfg.MessageRateWindow)
	}

	// --- NATS: presence and queue events ---
	var publisher *messaging.Publisher
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "relay-" + cfg.ServerName
		publisher, err = messaging.NewPublisher(natsConfig, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		router.SetPublisher(publisher)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if publisher != nil {
			publisher.Close()
		}
		if mirror != nil {
			if err := mirror.Close(); err != nil {
				log.Printf("presence mirror close error: %v", err)
			}
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
	log.Printf("relay server stopped")
}

// buildServer wires the in-memory relay state to a WebSocket server. Optional
// backends are attached to the returned router by the caller.
func buildServer(cfg config.Config) (*ws.Server, *relay.Router) {
	registry := session.NewRegistry()
	queue := offline.NewStore(cfg.OfflineQueueCap)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg.Server(), dispatcher.Dispatch)

	router := relay.NewRouter(registry, queue, relay.NewBroadcaster(registry, server.Connections()))
	bindRoutes(dispatcher, router)

	server.SetOnDisconnect(router.Disconnect)
	server.SetOnlineCounter(registry.Count)

	return server, router
}

// bindRoutes sends every inbound kind the relay understands to router.
func bindRoutes(dispatcher *ws.MessageDispatcher, router *relay.Router) {
	for _, kind := range []string{protocol.TypeRegister, protocol.TypeMessage, protocol.TypeTyping} {
		dispatcher.Register(kind, func(conn *ws.Connection, msg interface{}) {
			router.Handle(conn, kind, msg)
		})
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
