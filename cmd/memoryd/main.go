package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/huaquanghan/agent-memory-server/internal/admin"
	"github.com/huaquanghan/agent-memory-server/internal/config"
	"github.com/huaquanghan/agent-memory-server/internal/embeddings"
	"github.com/huaquanghan/agent-memory-server/internal/lifecycle"
	"github.com/huaquanghan/agent-memory-server/internal/promote"
	"github.com/huaquanghan/agent-memory-server/internal/queue"
	"github.com/huaquanghan/agent-memory-server/internal/session"
	"github.com/huaquanghan/agent-memory-server/internal/vector"
	"github.com/huaquanghan/agent-memory-server/internal/worker"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	switch sub {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "admin":
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Println("memoryd v0.1.0")
	default:
		usage()
		os.Exit(2)
	}
}

type stores struct {
	queue    *queue.Queue
	sessions *session.Store
	longTerm *vector.SQLiteStore
}

func openStores(ctx context.Context, cfg config.Config, summarizer session.Summarizer, logger *log.Logger) (*stores, error) {
	dataDir := filepath.Dir(cfg.DBPath)

	q, err := queue.Open(ctx, filepath.Join(dataDir, "tasks.db"), queue.Options{
		RedeliveryTimeout: time.Duration(cfg.RedeliveryTimeoutSeconds) * time.Second,
		MaxAttempts:       cfg.MaxAttempts,
		RetryBackoff:      time.Duration(cfg.RetryBackoffSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	sessions, err := session.Open(ctx, cfg.DBPath, q, summarizer, session.Options{
		ContextWindowTokens: cfg.ContextWindowTokens,
		BudgetFraction:      cfg.BudgetFraction,
		SummarizeTimeout:    time.Duration(cfg.SummarizeTimeoutSeconds) * time.Second,
		SessionTTL:          time.Duration(cfg.SessionTTLSeconds) * time.Second,
		IndexAllMessages:    cfg.IndexAllMessages,
	}, logger)
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	longTerm, err := vector.OpenSQLite(ctx, filepath.Join(dataDir, "longterm.db"), logger)
	if err != nil {
		_ = sessions.Close()
		_ = q.Close()
		return nil, err
	}
	// With message indexing on, expired sessions can be rebuilt from
	// their long-term message records.
	sessions.AttachRecaller(longTerm)
	return &stores{queue: q, sessions: sessions, longTerm: longTerm}, nil
}

func (s *stores) close() {
	_ = s.longTerm.Close()
	_ = s.sessions.Close()
	_ = s.queue.Close()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config/memoryd.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportCaller: false, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg, session.NewExtractiveSummarizer(), logger)
	if err != nil {
		return err
	}
	defer st.close()

	provider := buildProvider(cfg)
	var extractor promote.Extractor
	if cfg.EnableExtraction {
		extractor = promote.NewKeywordExtractor()
	}
	handler := promote.NewHandler(st.sessions, st.longTerm, provider, extractor, promote.Options{
		DedupThreshold: cfg.DedupThreshold,
	}, logger)
	hygiene := lifecycle.NewHandler(st.longTerm, lifecycle.Options{
		MaxAge:         time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		MaxInactive:    time.Duration(cfg.MaxInactiveDays) * 24 * time.Hour,
		BudgetKeepTopN: cfg.BudgetKeepTopN,
		MergeThreshold: cfg.DedupThreshold,
	}, logger)

	pool := worker.NewPool(st.queue, worker.Options{
		WorkerID:       fmt.Sprintf("%s-%d", cfg.ServerName, os.Getpid()),
		Concurrency:    cfg.WorkerCount,
		LeaseBatchSize: cfg.LeaseBatchSize,
		TaskTimeout:    time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		ReaperInterval: time.Duration(cfg.ReaperIntervalSeconds) * time.Second,
	}, logger)
	pool.Register(types.TaskPromote, handler.HandlePromote)
	pool.Register(types.TaskForget, hygiene.HandleForget)
	pool.Register(types.TaskCompact, hygiene.HandleCompact)
	pool.Register(types.TaskSummarize, func(ctx context.Context, payload []byte) error {
		var p types.SummarizePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return err
		}
		return st.sessions.Summarize(ctx, p.SessionKey)
	})

	scheduler := lifecycle.NewScheduler(st.queue, st.longTerm, st.sessions,
		time.Duration(cfg.LifecycleIntervalSeconds)*time.Second, logger)

	go scheduler.Run(ctx)
	go pool.RunReaper(ctx)

	logger.Info("starting memory lifecycle workers",
		"db", cfg.DBPath, "workers", cfg.WorkerCount, "embed", providerName(cfg))
	pool.Run(ctx)
	return nil
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", "config/memoryd.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer st.close()

	return admin.Run(ctx, st.queue, st.sessions, st.longTerm)
}

func buildProvider(cfg config.Config) embeddings.Provider {
	if cfg.EmbedEndpoint == "" {
		return embeddings.NewHashProvider(cfg.EmbedDimensions)
	}
	return embeddings.NewHTTPProvider(
		cfg.EmbedEndpoint,
		cfg.EmbedAPIKey,
		cfg.EmbedModel,
		cfg.EmbedDimensions,
		time.Duration(cfg.EmbedTimeoutSeconds)*time.Second,
	)
}

func providerName(cfg config.Config) string {
	if cfg.EmbedEndpoint == "" {
		return "hash"
	}
	return cfg.EmbedModel
}

func unmarshalPayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &types.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`memoryd

Usage:
  memoryd serve [--config path]
  memoryd admin [--config path]
  memoryd version
`)
}
