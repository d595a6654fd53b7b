package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stratalabel/strata/pkg/config"
	"github.com/stratalabel/strata/pkg/engine"
	"github.com/stratalabel/strata/pkg/policy"
	"github.com/stratalabel/strata/pkg/runlock"
	"github.com/stratalabel/strata/pkg/stores"
	"github.com/stratalabel/strata/pkg/telemetry"
)

// appEnv holds the components a command runs against.
type appEnv struct {
	cfg     *config.AppConfig
	tel     *telemetry.Telemetry
	store   stores.DocumentStore
	history stores.RunHistory
	locker  engine.Locker
	guard   *policy.Engine

	closers []func() error
}

// loadConfig reads the application config and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.AppConfig, error) {
	cfg, err := config.LoadAppConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.store != "" {
		cfg.Store = flags.store
	}
	if flags.history != "" {
		cfg.History = flags.history
	}
	if flags.lock != "" {
		cfg.Lock.URL = flags.lock
	}
	if flags.policyDir != "" {
		cfg.PolicyDir = flags.policyDir
	}
	if flags.logLevel != "" {
		cfg.Telemetry.Logging.Level = flags.logLevel
	}
	if flags.jsonOutput {
		// Keep stdout for the JSON document.
		cfg.Telemetry.Logging.Output = "stderr"
	}
	return cfg, cfg.Validate()
}

// openEnv opens every component of the application config.
func openEnv(ctx context.Context, flags *globalFlags) (_ *appEnv, err error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, validationExit(err)
	}

	env := &appEnv{cfg: cfg}
	defer func() {
		if err != nil {
			_ = env.Close(context.WithoutCancel(ctx))
		}
	}()

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	env.tel = tel
	env.closers = append(env.closers, func() error { return tel.Shutdown(context.WithoutCancel(ctx)) })
	if err := tel.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.Open(ctx, cfg.Store)
	if err != nil {
		return nil, engine.NewConnectivityError("failed to open store", err)
	}
	env.store = store
	env.closers = append(env.closers, store.Close)

	if err := env.openHistory(ctx); err != nil {
		return nil, err
	}
	if err := env.openLocker(ctx); err != nil {
		return nil, err
	}

	guard, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyDir != "" {
		if err := guard.LoadPolicies(ctx, cfg.PolicyDir); err != nil {
			return nil, engine.NewValidationError("failed to load policies", err)
		}
	}
	env.guard = guard

	return env, nil
}

func (e *appEnv) openHistory(ctx context.Context) error {
	switch {
	case e.cfg.History != "":
		h, err := stores.OpenSQLite(ctx, strings.TrimPrefix(e.cfg.History, "sqlite://"))
		if err != nil {
			return engine.NewConnectivityError("failed to open run history", err)
		}
		e.history = h
		e.closers = append(e.closers, h.Close)
	default:
		if h, ok := e.store.(*stores.SQLiteStore); ok {
			e.history = h
		}
	}
	return nil
}

func (e *appEnv) openLocker(ctx context.Context) error {
	url := e.cfg.Lock.URL
	switch {
	case url == "memory":
		e.locker = runlock.NewMemoryLocker()
	case url == "sqlite", url == "":
		leases, ok := e.history.(runlock.LeaseStore)
		if !ok {
			if url == "sqlite" {
				return engine.NewValidationError("sqlite run lock requires a SQLite store or history", nil)
			}
			e.locker = runlock.NewMemoryLocker()
			return nil
		}
		e.locker = runlock.NewSQLiteLocker(leases, e.cfg.Lock.TTL)
	case strings.HasPrefix(url, "nats://"):
		l, err := runlock.DialNATS(ctx, url, e.cfg.Lock.Bucket, e.cfg.Lock.TTL)
		if err != nil {
			return engine.NewConnectivityError("failed to connect run lock", err)
		}
		e.locker = l
		e.closers = append(e.closers, l.Close)
	default:
		return engine.NewValidationError(fmt.Sprintf("unsupported lock backend %q", url), nil)
	}
	return nil
}

// runner builds a runner applying the derived rules of quota, if any.
func (e *appEnv) runner(quota *config.Quota) *engine.Runner {
	var rules []engine.DerivedRule
	if quota != nil {
		rules = quota.Rules
	}
	opts := []engine.RunnerOption{
		engine.WithTelemetry(e.tel),
		engine.WithPropagator(engine.NewPropagator(e.tel.Logger, e.tel.Metrics, rules...)),
		engine.WithLocker(e.locker),
		engine.WithGuard(e.guard),
	}
	if e.history != nil {
		opts = append(opts, engine.WithHistory(e.history))
	}
	return engine.NewRunner(e.store, opts...)
}

// options merges the configured run defaults under explicit flags.
func (e *appEnv) options(mode, scope string, parallelism int) engine.Options {
	d := e.cfg.Defaults
	if mode == "" {
		mode = d.Mode
	}
	if scope == "" {
		scope = d.ResetScope
	}
	if parallelism == 0 {
		parallelism = d.Parallelism
	}
	return engine.Options{
		Mode:        engine.Mode(mode),
		ResetScope:  engine.ResetScope(scope),
		Parallelism: parallelism,
	}
}

// Close releases components in reverse opening order.
func (e *appEnv) Close(_ context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// loadQuota reads and validates a quota file.
func loadQuota(path string) (*config.Quota, error) {
	if path == "" {
		return nil, &ExitError{Code: 2, Err: errors.New("a quota file is required (--quota FILE)")}
	}
	q, err := config.NewLoader().LoadQuota(path)
	if err != nil {
		return nil, validationExit(err)
	}
	return q, nil
}
