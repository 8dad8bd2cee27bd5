package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/harrison/coordinator/internal/capability"
	"github.com/harrison/coordinator/internal/config"
	"github.com/harrison/coordinator/internal/escalation"
	"github.com/harrison/coordinator/internal/executor"
	"github.com/harrison/coordinator/internal/logger"
	"github.com/harrison/coordinator/internal/metrics"
	"github.com/harrison/coordinator/internal/models"
	"github.com/harrison/coordinator/internal/retrospect"
	"github.com/harrison/coordinator/internal/state"
)

// loadConfig reads --config, or .coordinator/config.yaml in the working
// directory when the flag is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfigFromDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// colorEnabled reports whether w is an interactive terminal.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// buildRegistry binds every configured capability to its command.
func buildRegistry(cfg *config.Config) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for _, cc := range cfg.Capabilities {
		c, err := capability.NewExecCapability(cc.Command, cc.CostUSD, cc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", cc.Name, err)
		}
		reg.Register(cc.Name, c)
	}
	return reg, nil
}

// missingCapabilities lists capability references the plan may invoke that
// the registry cannot serve: step bindings, alternates, declared patches,
// compensations and retrospect checks.
func missingCapabilities(plan *models.Plan, reg *capability.Registry) []string {
	refs := make(map[string]bool)
	addPatch := func(p *models.Patch) {
		if p == nil {
			return
		}
		refs[p.Capability] = true
		if p.InsertBefore != nil {
			refs[p.InsertBefore.Capability] = true
		}
	}
	for _, s := range plan.Steps {
		refs[s.Capability] = true
		for _, f := range s.Fallbacks {
			if alt, ok := f.(models.AlternatePolicy); ok {
				refs[alt.Capability] = true
			}
		}
		for _, g := range s.Gates {
			if rp, ok := g.OnFail.(models.ReplanPolicy); ok {
				addPatch(rp.Patch)
			}
		}
		addPatch(s.Replan)
		if s.Compensation != nil {
			refs[s.Compensation.Action] = true
		}
		for _, r := range s.Retrospects {
			for _, c := range r.Checks {
				refs[c.Capability] = true
			}
			addPatch(r.OnFail.Patch)
		}
	}

	var missing []string
	for ref := range refs {
		if ref != "" && !reg.Has(ref) {
			missing = append(missing, ref)
		}
	}
	sort.Strings(missing)
	return missing
}

// openStore opens the configured checkpoint store, or returns nil when
// persistence is disabled.
func openStore(cfg *config.Config) (state.Store, error) {
	if !cfg.Persistence.Enabled {
		return nil, nil
	}
	store, err := state.Open(cfg.Persistence.Backend, cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Persistence.Backend, err)
	}
	return store, nil
}

// runtime holds everything one run needs and closes it in reverse order.
type runtime struct {
	coordinator *executor.Coordinator
	console     *logger.ConsoleLogger
	store       state.Store
	audit       *logger.AuditLog
	closers     []func() error
}

func newRuntime(cfg *config.Config, reg *capability.Registry, out io.Writer) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.console = logger.NewConsoleLogger(out, cfg.LogLevel)
	rt.console.SetColor(colorEnabled(out))

	sinks := escalation.MultiSink{escalation.LoggerSink{Logger: rt.console}}
	if cfg.Escalation.NATSURL != "" {
		ns, err := escalation.NewNATSSink(cfg.Escalation.NATSURL, cfg.Escalation.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect escalation sink: %w", err)
		}
		rt.closers = append(rt.closers, ns.Close)
		sinks = append(sinks, ns)
	}

	rt.audit, err = logger.NewAuditLog(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.audit.Close)

	rt.store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}
	opts := executor.Options{
		Invoker:           reg,
		Logger:            rt.console,
		Sink:              sinks,
		Audit:             rt.audit,
		MaxConcurrency:    cfg.MaxConcurrency,
		MaxReplansPerStep: cfg.Replan.MaxPerStep,
		MaxReplays:        cfg.Replan.MaxReplays,
		Retry: executor.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Retrospect: retrospect.Config{
			Workers:       cfg.Retrospect.Workers,
			Timeout:       cfg.Retrospect.Timeout,
			RatePerSecond: cfg.Retrospect.RatePerSecond,
		},
	}
	if rt.store != nil {
		rt.closers = append(rt.closers, rt.store.Close)
		opts.Persister = rt.store
	}

	// exporters are installed by the embedding process; the default global
	// provider is a no-op
	m, err := metrics.NewMetrics(otel.Meter(metrics.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	opts.Metrics = m

	rt.coordinator, err = executor.New(opts)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close releases sinks, the audit log and the store.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
