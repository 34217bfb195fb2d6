package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"

	"github.com/sentryops/camdash/internal/alerts"
	"github.com/sentryops/camdash/internal/api"
	"github.com/sentryops/camdash/internal/backend"
	"github.com/sentryops/camdash/internal/config"
	"github.com/sentryops/camdash/internal/devices"
	"github.com/sentryops/camdash/internal/metrics"
	"github.com/sentryops/camdash/internal/peer"
	"github.com/sentryops/camdash/internal/signaling"
	"github.com/sentryops/camdash/internal/stream"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting camdashd...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backend session
	be, err := backend.NewClient(cfg.Backend.URL, cfg.Backend.Email, cfg.Backend.Password)
	if err != nil {
		log.Fatalf("FATAL: backend client: %v", err)
	}
	user, err := be.Login(ctx)
	if err != nil {
		log.Fatalf("FATAL: backend login: %v", err)
	}
	log.Printf("Logged in as %s (%s)", user.Email, user.Role)

	// Device roster
	roster := devices.NewRoster(cfg.Devices.RosterPath)
	if err := roster.Load(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// Signaling channel
	channel := signaling.NewChannel(signaling.Config{
		URL:        cfg.Hub.URL,
		Token:      be.HubToken,
		BackoffMin: cfg.BackoffMin(),
		BackoffMax: cfg.BackoffMax(),
	})

	// Peer sessions and stream fan-out
	registry := stream.NewRegistry()
	manager := peer.NewManager(
		peer.NewPionFactory(cfg.WebRTC.STUNServers),
		channel,
		registry,
		peer.Config{NegotiationTimeout: cfg.NegotiationTimeout()},
	)
	registry.OnFirstSubscriber = func(deviceID string) {
		manager.EnsureSession(deviceID)
		channel.Ready(deviceID)
	}

	// Alert store with optional NATS republication and Redis snapshot
	deps := alerts.Deps{Persister: be, Sender: channel}

	if cfg.NATS.URL != "" {
		nc, nerr := nats.Connect(cfg.NATS.URL)
		if nerr != nil {
			log.Printf("WARN: NATS unavailable, lifecycle events disabled: %v", nerr)
		} else {
			defer nc.Close()
			deps.Publisher = alerts.NewNATSPublisher(nc, cfg.NATS.Subject, cfg.NATS.RetryMax)
		}
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if perr := rdb.Ping(ctx).Err(); perr != nil {
			log.Printf("WARN: Redis unavailable, alert snapshot disabled: %v", perr)
		} else {
			defer rdb.Close()
			deps.Snapshot = alerts.NewRedisSnapshot(rdb, cfg.Redis.SnapshotKey, cfg.SnapshotTTL())
		}
	}

	store := alerts.NewStore(deps)

	// Hub event handlers
	dedup := signaling.NewEventDedup(cfg.Dedup.MaxKeys, cfg.DedupTTL())

	channel.On(signaling.EventNewAlert, func(data json.RawMessage) {
		var b signaling.AlertBroadcast
		if err := json.Unmarshal(data, &b); err != nil {
			log.Printf("WARN: bad alert broadcast: %v", err)
			return
		}
		if dedup.IsDuplicate(b.ID) {
			return
		}
		if _, inserted := store.ApplyBroadcast(b); inserted {
			log.Printf("Alert %s from %s (%s)", b.ID, b.DeviceID, b.Location)
		}
	})

	channel.On(signaling.EventOffer, func(data json.RawMessage) {
		var p signaling.OfferPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("WARN: bad offer: %v", err)
			return
		}
		if err := manager.HandleOffer(p.DeviceID, p.SDP); err != nil {
			log.Printf("WARN: offer from %s failed: %v", p.DeviceID, err)
		}
	})

	channel.On(signaling.EventICECandidate, func(data json.RawMessage) {
		var p signaling.CandidatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("WARN: bad ICE candidate: %v", err)
			return
		}
		manager.HandleCandidate(p.DeviceID, webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        &p.SDPMid,
			SDPMLineIndex: &p.SDPMLineIndex,
		})
	})

	// The daemon holds a standing subscription per roster device, so a
	// session is negotiated as soon as a device comes online.
	var subMu sync.Mutex
	subscribed := make(map[string]*stream.Subscription)
	subscribeAll := func(list []devices.Device) {
		subMu.Lock()
		defer subMu.Unlock()
		for _, d := range list {
			if _, ok := subscribed[d.ID]; ok {
				continue
			}
			id := d.ID
			subscribed[id] = registry.Subscribe(id, func(rem *stream.Remote) {
				if rem == nil {
					log.Printf("Stream cleared: device=%s", id)
					return
				}
				log.Printf("Stream live: device=%s kind=%s", id, rem.Kind)
			})
		}
	}
	roster.OnReload = func(list []devices.Device) { subscribeAll(list) }

	if err := channel.Connect(ctx); err != nil {
		log.Fatalf("FATAL: hub connect: %v", err)
	}
	subscribeAll(roster.List())
	roster.StartWatcher(ctx)

	if err := store.Hydrate(ctx); err != nil {
		log.Printf("WARN: alert hydration failed, starting empty: %v", err)
	}

	// Metrics and operator API
	collector := metrics.NewCollector(metrics.Sources{
		Sessions: manager,
		Streams:  registry,
		Alerts:   store,
		Channel:  channel,
	})
	go collector.Start(ctx)

	handler := api.NewHandler(store, manager, registry, roster)
	server := api.NewServer(cfg.HTTP.ListenAddr, handler, collector.Handler())
	server.Start()

	log.Println("camdashd ready")
	<-ctx.Done()

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: api shutdown: %v", err)
	}
	manager.CloseAll()
	if err := channel.Close(); err != nil {
		log.Printf("WARN: channel close: %v", err)
	}
	store.Close()
	if err := be.Logout(shutdownCtx); err != nil {
		log.Printf("WARN: backend logout: %v", err)
	}
	log.Println("Shutdown complete")
}
