// Copyright 2025 Tom Barlow
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

// Command acteond runs the dispatch core's REST API and background
// timer loop as a standalone daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/penserai/acteon/internal/api"
	"github.com/penserai/acteon/internal/config"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/pkg/audit"
	auditmemory "github.com/penserai/acteon/pkg/audit/memory"
	auditpostgres "github.com/penserai/acteon/pkg/audit/postgres"
	"github.com/penserai/acteon/pkg/breaker"
	"github.com/penserai/acteon/pkg/bus"
	"github.com/penserai/acteon/pkg/dispatcher"
	"github.com/penserai/acteon/pkg/executor"
	"github.com/penserai/acteon/pkg/lock"
	lockmemory "github.com/penserai/acteon/pkg/lock/memory"
	lockpostgres "github.com/penserai/acteon/pkg/lock/postgres"
	"github.com/penserai/acteon/pkg/provider"
	"github.com/penserai/acteon/pkg/provider/httpwebhook"
	"github.com/penserai/acteon/pkg/provider/slack"
	"github.com/penserai/acteon/pkg/rules"
	"github.com/penserai/acteon/pkg/rules/ruleyaml"
	"github.com/penserai/acteon/pkg/state"
	statememory "github.com/penserai/acteon/pkg/state/memory"
	statepostgres "github.com/penserai/acteon/pkg/state/postgres"
	statesqlite "github.com/penserai/acteon/pkg/state/sqlite"
	"github.com/penserai/acteon/pkg/workflow"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "acteond",
		Short: "acteond runs the multi-tenant action dispatch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to acteond.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("acteond %s (commit %s)\n", version, commit)
			return nil
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format), AddSource: cfg.Log.AddSource})
	slog.SetDefault(logger)

	d, err := buildDispatcher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	if cfg.RulesDir != "" {
		if err := ruleyaml.ReloadFromDir(cfg.RulesDir, d.Rules()); err != nil {
			logger.Warn("no rules loaded at startup", "directory", cfg.RulesDir, "error", err)
		}
	}

	timerCtx, stopTimer := context.WithCancel(ctx)
	defer stopTimer()
	go d.RunTimerLoop(timerCtx, cfg.TimerTickInterval)

	router := api.NewRouter(d, api.RouterConfig{RulesDir: cfg.RulesDir}, logger)
	server := &http.Server{Addr: cfg.Listen.Addr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("acteond listening", "addr", cfg.Listen.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// buildDispatcher wires the state/lock/audit backends and the
// statically configured providers into a ready-to-serve Dispatcher.
// Named chain configs are deployment-specific and are registered
// out-of-band via d.Chains() or a future admin route; none ship
// pre-registered here.
func buildDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatcher.Dispatcher, error) {
	stateStore, err := buildStateStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	lockImpl, err := buildLock(cfg)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	auditSink, err := buildAuditSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}

	tz, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		tz = time.UTC
	}

	d := dispatcher.New(dispatcher.Config{
		Executor: executor.New(executor.Config{
			MaxConcurrent:    cfg.Executor.MaxConcurrent,
			MaxRetries:       cfg.Executor.MaxRetries,
			ExecutionTimeout: cfg.Executor.ExecutionTimeout,
		}),
		Providers: providers,
		Breakers:  breaker.NewRegistry(nil),
		Rules:     rules.NewEvaluator(nil, tz),
		State:     stateStore,
		Lock:      lockImpl,
		Audit:     auditSink,
		Bus:       bus.New(256),
		Signer:    &workflow.Signer{Keys: cfg.SigningKeys, DefaultKID: cfg.DefaultSigningKID},

		ExternalURL: cfg.ExternalURL,

		DefaultTimezone: tz,
		DefaultBreakerConfig: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		},
		Logger: logger,
	})
	return d, nil
}

// buildProviders registers the statically configured provider
// instances named in cfg.Providers. Dynamic or per-tenant providers
// that a deployment adds later go through the same registry via
// d.Providers().Register after startup.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	for _, pc := range cfg.Providers.HTTPWebhook {
		var auth *httpwebhook.Auth
		if pc.Auth != nil {
			auth = &httpwebhook.Auth{
				Type:     httpwebhook.AuthType(pc.Auth.Type),
				Token:    pc.Auth.Token,
				Username: pc.Auth.Username,
				Password: pc.Auth.Password,
				Header:   pc.Auth.Header,
				Value:    pc.Auth.Value,
			}
		}
		p, err := httpwebhook.New(httpwebhook.Config{
			Name:             pc.Name,
			URL:              pc.URL,
			Method:           pc.Method,
			Timeout:          pc.Timeout,
			MaxResponseBytes: pc.MaxResponseBytes,
			Auth:             auth,
			AllowedHosts:     pc.AllowedHosts,
			BlockedHosts:     pc.BlockedHosts,
		})
		if err != nil {
			return nil, fmt.Errorf("http_webhook provider %q: %w", pc.Name, err)
		}
		reg.Register(p)
	}

	for _, pc := range cfg.Providers.Slack {
		p, err := slack.New(slack.Config{
			Name:    pc.Name,
			Token:   pc.Token,
			BaseURL: pc.BaseURL,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("slack provider %q: %w", pc.Name, err)
		}
		reg.Register(p)
	}

	return reg, nil
}

func buildStateStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case "sqlite":
		return statesqlite.New(ctx, statesqlite.Config{Path: cfg.State.SQLitePath, WAL: cfg.State.SQLiteWAL})
	case "postgres":
		return statepostgres.New(ctx, statepostgres.Config{
			ConnectionString: cfg.State.PostgresDSN,
			MaxOpenConns:     cfg.State.PostgresMaxOpenConns,
			MaxIdleConns:     cfg.State.PostgresMaxIdleConns,
			ConnMaxLifetime:  cfg.State.PostgresConnMaxLifetime,
		})
	default:
		return statememory.New(), nil
	}
}

func buildLock(cfg *config.Config) (lock.Lock, error) {
	switch cfg.Lock.Backend {
	case "postgres":
		return lockpostgres.New(lockpostgres.Config{
			ConnectionString: cfg.Lock.PostgresDSN,
			MaxOpenConns:     cfg.Lock.PostgresMaxOpenConns,
		})
	default:
		return lockmemory.New(), nil
	}
}

func buildAuditSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "postgres":
		return auditpostgres.New(ctx, auditpostgres.Config{
			ConnectionString: cfg.Audit.PostgresDSN,
			Chained:          cfg.Audit.Chained,
		})
	default:
		return auditmemory.New(cfg.Audit.Chained), nil
	}
}
