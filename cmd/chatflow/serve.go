package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/chatflow/catalog"
	"github.com/songzhibin97/chatflow/classifier"
	"github.com/songzhibin97/chatflow/collect"
	"github.com/songzhibin97/chatflow/config"
	"github.com/songzhibin97/chatflow/dedup"
	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/httpapi"
	"github.com/songzhibin97/chatflow/inbound"
	"github.com/songzhibin97/chatflow/outbound"
	"github.com/songzhibin97/chatflow/rules"
	"github.com/songzhibin97/chatflow/session"
	"github.com/songzhibin97/chatflow/storage"
	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/workflow"
)

func serveCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and assignment HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	return cmd
}

// conversationBackend is what the service needs from the conversation store.
type conversationBackend interface {
	storage.ConversationStore
	ListAudits(ctx context.Context, conversationID uint64) ([]types.AuditRecord, error)
}

type workflowBackend interface {
	storage.WorkflowStore
	SaveWorkflows(ctx context.Context, wfs []types.Workflow) error
}

type closers []func() error

func (c closers) run(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("shutdown step failed", "err", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	var cleanup closers
	defer func() { cleanup.run(logger) }()

	conversations, err := openConversations(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	var (
		workflows workflowBackend
		deduper   dedup.Deduper
	)
	dedupOpts := []dedup.Option{dedup.WithMessageWindow(cfg.DedupMessageWindow), dedup.WithTextWindow(cfg.DedupTextWindow)}
	if cfg.RedisAddr != "" {
		client, err := storage.NewRedisClient(storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 10,
		})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, client.Close)
		workflows = storage.NewRedisStorage(client)
		deduper = dedup.NewRedis(client, dedupOpts...)
	} else {
		workflows = storage.NewMemoryStorage()
		deduper = dedup.NewMemory(dedupOpts...)
	}

	if cfg.WorkflowFile != "" {
		wfs, err := workflow.LoadFile(cfg.WorkflowFile)
		if err != nil {
			return fmt.Errorf("loading workflows: %w", err)
		}
		if err := workflows.SaveWorkflows(ctx, wfs); err != nil {
			return fmt.Errorf("registering workflows: %w", err)
		}
		logger.Info("workflows registered", "count", len(wfs), "file", cfg.WorkflowFile)
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	cleanup = append(cleanup, func() error {
		bus.Stop()
		if n := bus.Dropped(); n > 0 {
			logger.Warn("events dropped on full queue", "count", n)
		}
		return nil
	})
	subscribeNotices(bus, logger)

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bridge, err := openClassifier(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}

	mgr, err := session.NewManager(conversations, session.NewSnowflake(cfg.MachineID),
		session.WithPublisher(bus),
		session.WithLogger(logger),
		session.WithWindow(cfg.SessionWindow),
		session.WithClaimTimeout(cfg.ClaimTimeout),
		session.WithDefaultWorkflow(cfg.DefaultWorkflow),
	)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() error { mgr.Stop(); return nil })

	interp := workflow.NewInterpreter(
		workflow.WithCheckpointer(mgr),
		workflow.WithCatalog(cat),
		workflow.WithCollector(collect.NewEngine(cat, collect.WithLogger(logger))),
		workflow.WithClassifier(bridge),
		workflow.WithEvaluator(rules.NewExprEvaluator()),
		workflow.WithThreshold(cfg.ClassifierThreshold),
		workflow.WithLogger(logger),
	)

	var sender outbound.Sender = outbound.LogSender{Logger: logger}
	if cfg.OutboundURL != "" {
		sender = outbound.NewHTTPSender(cfg.OutboundURL, cfg.OutboundToken)
	}
	disp := outbound.NewDispatcher(sender, conversations, mgr,
		outbound.WithFailOpen(cfg.OutboundFailOpen),
		outbound.WithPublisher(bus),
		outbound.WithLogger(logger),
	)

	proc := inbound.NewProcessor(mgr, conversations, workflows, interp, disp,
		inbound.WithDeduper(deduper),
		inbound.WithPublisher(bus),
		inbound.WithLogger(logger),
		inbound.WithDefaultWorkflow(cfg.DefaultWorkflow),
	)

	if n, err := mgr.RecoverClaimTimers(ctx); err != nil {
		logger.Error("recovering claim timers failed", "err", err)
	} else if n > 0 {
		logger.Info("claim timers recovered", "count", n)
	}
	go sweep(ctx, mgr, cfg.SweepInterval, logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			Inbound:          proc,
			Assignments:      mgr,
			History:          conversations,
			Replier:          disp,
			Logger:           logger,
			WebhookToken:     cfg.WebhookToken,
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowCredentials: cfg.AllowCredentials,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", cfg.HTTPAddr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openConversations(ctx context.Context, cfg *config.Config, cleanup *closers) (conversationBackend, error) {
	if cfg.Storage != config.StoragePostgres {
		return storage.NewMemoryStorage(), nil
	}
	db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pg := storage.NewPostgresStorage(db)
	*cleanup = append(*cleanup, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalog.Fallback, error) {
	snap := catalog.DefaultSnapshot()
	if cfg.CatalogSnapshot != "" {
		var err error
		if snap, err = catalog.LoadSnapshot(cfg.CatalogSnapshot); err != nil {
			return nil, fmt.Errorf("loading catalog snapshot: %w", err)
		}
	}
	static := catalog.NewStatic(snap)
	if cfg.CatalogURL == "" {
		return catalog.NewFallback(nil, static, logger), nil
	}
	client := catalog.NewClient(cfg.CatalogURL)
	fb := catalog.NewFallback(client, static, logger)
	// A failed refresh keeps the file or built-in snapshot.
	_ = fb.Refresh(ctx, client)
	return fb, nil
}

// defaultKeywordRules backs intent routing when no model is configured or
// the model call fails.
func defaultKeywordRules() []classifier.KeywordRule {
	return []classifier.KeywordRule{
		{Intent: "human", Keywords: []string{"atendente", "humano", "pessoa", "reclamação"}, Handoff: true, Queue: "reception"},
		{Intent: "schedule", Keywords: []string{"agendar", "marcar", "consulta", "horário"}},
		{Intent: "price", Keywords: []string{"preço", "valor", "quanto custa"}},
		{Intent: "insurance", Keywords: []string{"convênio", "plano", "cobertura"}},
	}
}

func openClassifier(ctx context.Context, cfg *config.Config, logger *slog.Logger, cleanup *closers) (classifier.Bridge, error) {
	keywords := classifier.NewKeywordClassifier(defaultKeywordRules()...)
	if cfg.GeminiAPIKey == "" {
		return keywords, nil
	}
	gemini, err := classifier.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	if err != nil {
		return nil, err
	}
	*cleanup = append(*cleanup, func() error { gemini.Close(); return nil })
	return &classifier.Fallback{Primary: gemini, Secondary: keywords, Logger: logger}, nil
}

func subscribeNotices(bus *events.EventBus, logger *slog.Logger) {
	bus.SubscribeFunc(events.Escalated, func(ctx context.Context, e events.Event) error {
		logger.Warn("conversation waiting for an agent", "conversation_id", e.ConversationID, "address", e.Address)
		return nil
	})
	bus.SubscribeFunc(events.DeliveryFailed, func(ctx context.Context, e events.Event) error {
		logger.Error("outbound delivery failed", "conversation_id", e.ConversationID, "address", e.Address, "data", e.Data)
		return nil
	})
}

func sweep(ctx context.Context, mgr *session.Manager, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := mgr.SweepIdle(ctx, now)
			if err != nil {
				logger.Warn("idle sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("idle conversations closed", "count", n)
			}
		}
	}
}
