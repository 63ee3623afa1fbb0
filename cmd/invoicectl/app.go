package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
	"github.com/rohithsiddi/invoice-processing-agent/config"
	"github.com/rohithsiddi/invoice-processing-agent/local"
	"github.com/rohithsiddi/invoice-processing-agent/match"
	"github.com/rohithsiddi/invoice-processing-agent/postgres"
	"github.com/rohithsiddi/invoice-processing-agent/script"
	"github.com/rohithsiddi/invoice-processing-agent/sqlite"
	"github.com/rohithsiddi/invoice-processing-agent/stages"
)

// SQLiteFile is the database file created in the storage directory
const SQLiteFile = "invoice.db"

// app holds what every command needs: configuration, a logger and the store.
// The engine is only built by commands that run stages.
type app struct {
	cfg    *config.Config
	fs     afero.Fs
	logger *slog.Logger
	store  invoice.Store
}

func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, flags.configDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, fs: fs, logger: newLogger(cfg)}
	a.store, err = openStore(ctx, fs, cfg)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened store",
		slog.String("driver", cfg.Storage.Driver),
		slog.String("env", cfg.Env()))
	return a, nil
}

func (a *app) Close() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	}
	return invoice.NewLoggerWithLevel(os.Stderr, cfg.LogLevel())
}

func openStore(ctx context.Context, fs afero.Fs, cfg *config.Config) (invoice.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return invoice.NewMemoryStore(), nil
	case config.DriverFile:
		return invoice.NewFileStore(fs, cfg.Storage.Dir)
	case config.DriverSQLite:
		if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return sqlite.Open(ctx, filepath.Join(cfg.Storage.Dir, SQLiteFile))
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// engine wires the stages, the catalog and the store into an engine
func (a *app) engine() (*invoice.Engine, error) {
	if a.cfg.Catalog.Path == "" {
		return nil, errors.New("catalog path is required (set catalog.path or " + config.EnvCatalogPath + ")")
	}
	catalog, err := local.LoadCatalog(a.fs, a.cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	matcher, err := match.New(a.cfg.Matching)
	if err != nil {
		return nil, err
	}
	var rule *script.Rule
	if a.cfg.Approval.AutoApproveRule != "" {
		rule, err = script.NewRule(script.NewDefaultEngine(), a.cfg.Approval.AutoApproveRule)
		if err != nil {
			return nil, fmt.Errorf("auto approve rule: %w", err)
		}
	}

	notifier := local.NewLogNotifier(a.logger)
	graph, err := stages.NewGraph(stages.Deps{
		Fs:              a.fs,
		UploadDir:       a.cfg.Storage.UploadDir,
		Extractor:       local.NewDocumentExtractor(a.fs),
		Enricher:        catalog,
		Retriever:       catalog,
		Matcher:         matcher,
		Poster:          local.NewPoster(),
		Notifier:        notifier,
		ReviewURLBase:   a.cfg.Review.ReviewURLBase,
		Recipients:      a.cfg.Review.Recipients,
		AutoApproveRule: rule,
		TolerancePct:    a.cfg.Matching.TolerancePct,
		MaxAmount:       a.cfg.Approval.MaxAmount,
		MaxAgeDays:      a.cfg.Approval.MaxAgeDays,
		Policies:        a.cfg.RetryPolicies(stages.DefaultPolicies),
	})
	if err != nil {
		return nil, err
	}
	return invoice.NewEngine(invoice.EngineOptions{
		Graph:          graph,
		Store:          a.store,
		Logger:         a.logger,
		ReviewURLBase:  a.cfg.Review.ReviewURLBase,
		ReviewNotifier: notifier,
		Reviewers:      a.cfg.Review.Reviewers,
	})
}

// withApp opens the app for the duration of fn
func withApp(ctx context.Context, flags *rootFlags, fn func(a *app) error) error {
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
