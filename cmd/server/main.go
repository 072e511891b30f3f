// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailgate: mail gateway service
//
// Entry point for the gateway service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis (in-memory fallbacks when unset)
//  3. Builds the routing, loop guard, dispatch and notification pipeline
//  4. Serves the HTTP gateway, the live bus and the SMTP/LMTP listener
//  5. Runs the mail and push queue workers, fetchmail and the scheduler
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailgate/internal/blob"
	"github.com/bcem/mailgate/internal/bus"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/dedup"
	"github.com/bcem/mailgate/internal/dispatch"
	"github.com/bcem/mailgate/internal/fetchmail"
	"github.com/bcem/mailgate/internal/gateway"
	"github.com/bcem/mailgate/internal/guard"
	"github.com/bcem/mailgate/internal/mailer"
	"github.com/bcem/mailgate/internal/metrics"
	"github.com/bcem/mailgate/internal/models"
	"github.com/bcem/mailgate/internal/notify"
	"github.com/bcem/mailgate/internal/push"
	"github.com/bcem/mailgate/internal/queue"
	"github.com/bcem/mailgate/internal/render"
	"github.com/bcem/mailgate/internal/router"
	"github.com/bcem/mailgate/internal/scheduler"
	"github.com/bcem/mailgate/internal/store"
	"github.com/bcem/mailgate/internal/store/memstore"
	"github.com/bcem/mailgate/internal/thread"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailgate")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"domain", cfg.Domain,
		"models", len(cfg.Models),
		"fetchmail", len(cfg.Fetchmail),
		"test_mode", cfg.TestMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// --- Record Store ---
	var (
		st     store.Store
		pgPool *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		pg, err := store.NewPostgres(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise record store", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		mem := memstore.New()
		seedAliases(mem, cfg.Aliases)
		st = mem
		slog.Warn("no database configured, using in-memory store", "aliases", len(cfg.Aliases))
	}

	// --- Redis: dedup, queues, bus ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	var seen dedup.Checker = dedup.NewMemory(dedup.DefaultTTL)
	if rdb != nil {
		seen = dedup.NewFilter(rdb, dedup.DefaultPrefix, dedup.DefaultTTL)
	}

	hub := bus.NewHub(cfg.BusSecret)
	var events bus.Publisher = bus.NewLocal(hub)
	if rdb != nil {
		redisBus := bus.NewRedis(rdb, cfg.BusChannel, hub)
		events = redisBus
		go func() {
			if err := redisBus.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("bus subscriber stopped", "error", err)
			}
		}()
	}

	// --- Attachments ---
	var blobs blob.Store = blob.NewMemory()
	if cfg.S3.Bucket != "" {
		s3, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			slog.Error("failed to initialise S3 attachment storage", "error", err)
			os.Exit(1)
		}
		blobs = s3
	}

	// --- Templates ---
	renderer, err := render.New(cfg.TemplateDir)
	if err != nil {
		slog.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	// --- Outbound mail ---
	outbox := mailer.NewOutbox(st, mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		TLS:      cfg.SMTP.TLS,
		HeloName: cfg.SMTP.HeloName,
	}))
	outbox.OnResult(func(state models.MailState) { m.Mail(string(state)) })

	// --- Notification fan-out ---
	deps := notify.Deps{
		Store:    st,
		Renderer: renderer,
		Mail:     outbox,
		Bus:      events,
		Metrics:  m,
	}
	var deliverer *push.Deliverer
	if cfg.VAPIDPrivateKey != "" {
		wp, err := push.NewWebPush(push.Config{PrivateKey: cfg.VAPIDPrivateKey, Subject: cfg.VAPIDSubject})
		if err != nil {
			slog.Error("invalid VAPID key", "error", err)
			os.Exit(1)
		}
		deliverer = push.NewDeliverer(wp, st)
		deliverer.OnResult(m.Push)
		deps.Push = deliverer
		slog.Info("web push enabled", "public_key", wp.PublicKey())
	}
	var mailWorker, pushWorker *queue.Worker
	if rdb != nil {
		deps.MailQueue = queue.NewPublisher(rdb, cfg.MailQueue)
		mailWorker = queue.NewWorker(queue.WorkerConfig{Client: rdb, Queue: cfg.MailQueue})
		mailWorker.Handle(queue.TaskSendMail, outbox.HandleTask)
		if deliverer != nil {
			deps.PushQueue = queue.NewPublisher(rdb, cfg.PushQueue)
			pushWorker = queue.NewWorker(queue.WorkerConfig{Client: rdb, Queue: cfg.PushQueue})
			pushWorker.Handle(queue.TaskPush, deliverer.HandleTask)
		}
	}

	th := cfg.Thresholds
	notifier := notify.New(notify.Config{
		BatchSize:        th.BatchSize,
		ForceSendLimit:   th.ForceSendLimit,
		PushDeviceCutoff: th.PushDeviceCutoff,
		PushPayloadLimit: th.PushPayloadLimit,
		TestMode:         cfg.TestMode,
		From:             cfg.NotificationFrom,
		ReplyTo:          replyTo(cfg),
		BaseURL:          cfg.BaseURL,
	}, deps)

	// --- Routing pipeline ---
	registry := thread.NewRegistry()
	for _, mc := range cfg.Models {
		registry.Register(thread.NewRecordModel(st, thread.RecordModelConfig{
			Name:            mc.Name,
			Creatable:       mc.Creatable,
			Updatable:       mc.Updatable,
			NameField:       mc.NameField,
			EmailField:      mc.EmailField,
			CreationSubtype: mc.CreationSubtype,
		}))
	}

	g := guard.New(guard.Config{
		Domain:        cfg.Domain,
		BounceAlias:   cfg.BounceAlias,
		CatchallAlias: cfg.CatchallAlias,
		CompanyName:   cfg.CompanyName,
		LoopWindow:    th.LoopWindow,
		LoopThreshold: th.LoopThreshold,
	}, st, seen, renderer, outbox, m)

	gw := gateway.New(gateway.Config{
		FallbackModel:    cfg.FallbackModel,
		UserID:           cfg.GatewayUserID,
		StripAttachments: cfg.StripAttachments,
		SaveOriginal:     cfg.SaveOriginal,
		BestEffort:       true,
	}, gateway.Deps{
		Store:      st,
		Dedup:      seen,
		Router:     router.New(st, registry, g),
		Guard:      g,
		Dispatcher: dispatch.New(st, registry, thread.NewPoster(st, blobs), notifier, m),
		Metrics:    m,
	})

	// --- Queue workers ---
	for _, w := range []*queue.Worker{mailWorker, pushWorker} {
		if w == nil {
			continue
		}
		go func(w *queue.Worker) {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("queue worker stopped", "error", err)
			}
		}(w)
	}

	// --- Scheduler ---
	sched := scheduler.New(time.UTC, 0)
	if err := sched.Add("notifications.flush", cfg.SchedulerSpec, scheduler.FlushJob(notifier)); err != nil {
		slog.Error("failed to schedule notification flush", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// --- Fetchmail ---
	var servers []fetchmail.Server
	for _, fc := range cfg.Fetchmail {
		servers = append(servers, fetchmail.ServerFromConfig(fc))
	}
	poller := fetchmail.NewPoller(fetchmail.NewFetcher(fetchmail.NewIMAPDialer(), gw), servers)
	if len(servers) > 0 {
		poller.Start(ctx)
	}

	// --- SMTP / LMTP listener ---
	if cfg.SMTPAddr != "" {
		srv := gateway.NewSMTPServer(gateway.SMTPConfig{
			Addr:            cfg.SMTPAddr,
			Domain:          cfg.Domain,
			LMTP:            cfg.LMTP,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, gateway.NewBackend(gw, cfg.Domain))
		ready, err := gateway.ServeSMTP(ctx, srv)
		if err != nil {
			slog.Error("failed to start smtp listener", "error", err)
			os.Exit(1)
		}
		<-ready
	}

	// --- HTTP Server ---
	mux := http.NewServeMux()
	mux.Handle(gateway.GatewayPath, gateway.NewHandler(gw, cfg.GatewayToken, cfg.MaxMessageBytes))
	mux.Handle("/bus", hub)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		if pgPool != nil {
			if err := pgPool.Ping(r.Context()); err != nil {
				http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	ready, err := gateway.Serve(ctx, cfg.Port, mux)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("mailgate ready", "port", cfg.Port, "smtp", cfg.SMTPAddr)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	poller.Stop()
	sched.Stop()

	if rdb != nil {
		rdb.Close()
	}

	slog.Info("mailgate stopped")
}

// seedAliases loads configured aliases into the in-memory store.
func seedAliases(mem *memstore.Store, aliases []config.AliasConfig) {
	for _, a := range aliases {
		mem.AddAlias(models.Alias{
			Name:          a.Name,
			Domain:        a.Domain,
			Model:         a.Model,
			Defaults:      a.Defaults,
			ForceThreadID: a.ForceThreadID,
			UserID:        a.UserID,
			ContactPolicy: models.ContactPolicy(a.ContactPolicy),
			BounceMessage: a.BounceMessage,
		})
	}
}

// replyTo is the catch-all, so replies to notifications come back through
// reply routing.
func replyTo(cfg *config.Config) string {
	if cfg.CatchallAlias == "" || cfg.Domain == "" {
		return ""
	}
	return cfg.CatchallAlias + "@" + cfg.Domain
}
