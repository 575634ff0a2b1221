package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/internal/expressions"
	"github.com/rendis/querypilot/internal/gateway"
	"github.com/rendis/querypilot/internal/logging"
	"github.com/rendis/querypilot/internal/oracle"
	"github.com/rendis/querypilot/internal/safety"
	"github.com/rendis/querypilot/internal/scheduler"
	"github.com/rendis/querypilot/internal/schemasearch"
	"github.com/rendis/querypilot/internal/store"
	"github.com/rendis/querypilot/internal/streaming"
	"github.com/rendis/querypilot/internal/validation"
	"github.com/rendis/querypilot/pkg/schema"
)

// app owns every long-lived component of a running process.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   store.CheckpointStore
	gateway *gateway.SQLGateway
	catalog *schemasearch.Catalog
	sched   *scheduler.Scheduler
	hub     *streaming.MemoryHub
	orc     engine.Orchestrator
}

// newApp wires the pipeline from configuration. Logs go to logOut, never
// stdout, so the MCP stdio transport stays clean.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(logOut, cfg.Log.Level, cfg.Log.Format),
		hub:    streaming.NewMemoryHub(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Store.Driver != "memory" && !strings.Contains(cfg.Store.Path, "://") {
		dir := cfg.Store.Path
		if cfg.Store.Driver != "file" {
			dir = filepath.Dir(strings.TrimPrefix(cfg.Store.Path, "file:"))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	if a.store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.Path); err != nil {
		return nil, err
	}

	sqlSafety := safety.New(cfg.Safety.DenyFunctions...).ForDialect(schema.Dialect(cfg.Dialect))

	if cfg.Gateway.DSN != "" {
		a.gateway, err = gateway.Open(gateway.Config{
			Driver:  cfg.Gateway.Driver,
			DSN:     cfg.Gateway.DSN,
			MaxRows: cfg.Gateway.MaxRows,
			Safety:  sqlSafety,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		a.logger.Warn("no gateway.dsn configured; queries will not execute")
	}

	if err := a.loadCatalog(ctx); err != nil {
		return nil, err
	}

	validator, err := validation.New()
	if err != nil {
		return nil, err
	}

	approval, err := expressions.NewApprovalPolicy(cfg.Approval.Required, cfg.Approval.Condition)
	if err != nil {
		return nil, fmt.Errorf("approval.condition: %w", err)
	}
	scorer, err := expressions.NewClarifyScorer(cfg.Clarify.Score)
	if err != nil {
		return nil, fmt.Errorf("clarify.score: %w", err)
	}
	summarizer, err := expressions.NewSummarizer(cfg.Summary.Program)
	if err != nil {
		return nil, fmt.Errorf("summary.program: %w", err)
	}

	model, err := oracle.NewOpenAI(oracle.Config{
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		APIKey:  cfg.Oracle.APIKey,
	}, validator, a.logger)
	if err != nil {
		return nil, err
	}

	ecfg := engine.Config{
		Store:            a.store,
		Oracle:           model,
		Approval:         approval,
		Scorer:           scorer,
		AutoResolveAfter: cfg.Clarify.AutoResolveAfter,
		Dialect:          schema.Dialect(cfg.Dialect),
		PoolSize:         cfg.PoolSize,
		OracleTimeout:    cfg.Oracle.Timeout,
		Summarizer:       summarizer,
		Safety:           sqlSafety,
		Validator:        validator,
		Logger:           a.logger,
		Publisher:        a.hub,
	}
	if a.catalog != nil {
		ecfg.Search = a.catalog
	}
	if a.gateway != nil {
		ecfg.Gateway = a.gateway
		ecfg.Prober = a.gateway
	}
	if a.orc, err = engine.New(ecfg); err != nil {
		return nil, err
	}
	return a, nil
}

// loadCatalog reads the schema catalog file, or introspects the database
// when no file is configured.
func (a *app) loadCatalog(ctx context.Context) error {
	if path := a.cfg.Schema.Catalog; path != "" {
		c, err := schemasearch.LoadCatalog(path, a.logger)
		if err != nil {
			return err
		}
		a.catalog = c
		return nil
	}
	if a.gateway == nil {
		a.logger.Warn("no schema.catalog and no database; table selection is disabled")
		return nil
	}
	md, err := a.gateway.FullMetadata(ctx)
	if err != nil {
		return fmt.Errorf("introspect database schema: %w", err)
	}
	a.catalog = schemasearch.NewCatalog(md, nil)
	a.logger.Info("schema catalog introspected", slog.Int("tables", len(md)))
	return nil
}

// startRefresh schedules catalog reloads for long-running commands and,
// when enabled, reloads on file changes too.
func (a *app) startRefresh(ctx context.Context) error {
	if a.catalog == nil || a.cfg.Schema.Catalog == "" {
		return nil
	}
	if a.cfg.Schema.Watch {
		if err := a.catalog.Watch(ctx); err != nil {
			return err
		}
	}
	if a.cfg.Schema.RefreshCron == "" {
		return nil
	}
	a.sched = scheduler.NewScheduler(0, a.logger)
	if err := a.sched.Add("schema-catalog-refresh", a.cfg.Schema.RefreshCron, a.catalog.Reload); err != nil {
		return fmt.Errorf("schema.refresh_cron: %w", err)
	}
	return a.sched.Start(ctx)
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	if a.sched != nil {
		errs = append(errs, a.sched.Stop())
	}
	if a.orc != nil {
		errs = append(errs, a.orc.Close())
	}
	if a.gateway != nil {
		errs = append(errs, a.gateway.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
