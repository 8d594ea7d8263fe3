package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camhq/cam/internal/api"
	"github.com/camhq/cam/internal/config"
	"github.com/camhq/cam/internal/dispatch"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/gitprovider"
	"github.com/camhq/cam/internal/lifecycle"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/pipeline"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
	"github.com/camhq/cam/internal/workers"
)

var errBadConfig = errors.New("invalid configuration")

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		dbPath     string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if err := cfg.IsValid(); err != nil {
				return errors.Wrap(errBadConfig, err.Error())
			}
			logging.Setup(cfg.LogLevel, cfg.LogJSON)
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP bind address (overrides CAM_LISTEN_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides DATABASE_PATH)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.New("serve")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SeedBuiltinAgents(ctx); err != nil {
		return err
	}
	if cfg.TemplateDir != "" && !cfg.DisableTemplateSync {
		if err := syncTemplates(ctx, st, cfg.TemplateDir); err != nil {
			logger.Warn("template sync failed", "dir", cfg.TemplateDir, "error", err)
		}
	}

	broker := events.NewBroker()
	emitter := events.NewEmitter(st, broker)
	resolver := secrets.NewResolver(st)

	lc := lifecycle.New(st, emitter, resolver, gitprovider.DefaultFactory,
		gitprovider.Kind(cfg.GitProviderOverride))
	dispatcher := dispatch.New(st, emitter, resolver)
	expander := pipeline.NewExpander(st, emitter)
	registry := workers.NewRegistry(st, emitter, cfg.WorkerStaleTimeout)
	recovery := workers.NewRecoveryLoop(registry, cfg.RecoveryInterval)

	server := api.NewServer(cfg, st, lc, dispatcher, expander, registry, resolver, emitter)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "db", cfg.DatabasePath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := recovery.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncTemplates loads *.json template files from dir into the store.
func syncTemplates(ctx context.Context, st *store.Store, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "failed to read template directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "failed to read template %s", entry.Name())
		}
		var tmpl model.TaskTemplate
		if err := json.Unmarshal(raw, &tmpl); err != nil {
			return errors.Wrapf(err, "failed to parse template %s", entry.Name())
		}
		if err := tmpl.Validate(); err != nil {
			return errors.Wrapf(err, "invalid template %s", entry.Name())
		}
		now := model.Now()
		tmpl.CreatedAt = now
		tmpl.UpdatedAt = now
		if err := st.SaveTemplate(ctx, &tmpl); err != nil {
			return err
		}
	}
	return nil
}
