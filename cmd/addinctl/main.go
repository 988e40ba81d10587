package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"addinhost/pkg/config"
	"addinhost/pkg/host"
	"addinhost/pkg/logging"
	"addinhost/pkg/metrics"
	"addinhost/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configFile = flag.String("config", "addinhost.yaml", "Configuration file")
		command    = flag.String("cmd", "load", "Command: discover, resolve, load, health, run, config")
		root       = flag.String("root", "", "Comma separated plugin roots (overrides plugins.roots)")
		strategy   = flag.String("strategy", "", "Version conflict strategy (overrides plugins.strategy)")
		key        = flag.String("key", "", "Configuration key")
		format     = flag.String("format", "yaml", "Output format (json, yaml)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := make(map[string]interface{})
	if *root != "" {
		flags["plugins.roots"] = strings.Split(*root, ",")
	}
	if *strategy != "" {
		flags["plugins.strategy"] = *strategy
	}

	cm, rc, err := config.Load(ctx, config.LoadOptions{Files: []string{*configFile}, Flags: flags})
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	defer cm.Close()

	if *command == "config" {
		cmdConfig(cm, *key, *format)
		return
	}

	logger, err := logging.New(rc.Logging)
	if err != nil {
		fatalf("failed to create logger: %v", err)
	}
	secrets, err := config.NewSecretStore(rc.Secrets, logger)
	if err != nil {
		fatalf("failed to open secret store: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	h, err := host.New(ctx, host.Options{
		Config:  rc,
		Logger:  logger,
		Metrics: m,
		Secrets: secrets,
		PluginConfig: func(id string) map[string]interface{} {
			if v, err := cm.Get("plugin_config." + id); err == nil {
				if settings, ok := v.(map[string]interface{}); ok {
					return settings
				}
			}
			return nil
		},
	})
	if err != nil {
		fatalf("failed to create host: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			logger.Error("Failed to close host", "error", err)
		}
	}()

	switch *command {
	case "discover":
		err = cmdDiscover(ctx, h, rc.Plugins.Roots, *format)
	case "resolve":
		err = cmdResolve(ctx, h, *format)
	case "load":
		err = cmdLoad(ctx, h, *format)
	case "health":
		err = cmdHealth(ctx, h, *format)
	case "run":
		err = cmdRun(ctx, h, rc.Metrics, m, logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *command, err)
		os.Exit(1)
	}
}

type descriptorView struct {
	ID           string   `json:"id" yaml:"id"`
	Version      string   `json:"version" yaml:"version"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Manifest     string   `json:"manifest" yaml:"manifest"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions  string   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

func viewOf(d *plugin.PluginDescriptor) descriptorView {
	v := descriptorView{
		ID:       d.ID,
		Version:  d.VersionString(),
		Name:     d.Name,
		Manifest: d.ManifestPath,
	}
	for _, dep := range d.Dependencies {
		s := dep.PluginID + " " + dep.Range.String()
		if dep.Optional {
			s += " (optional)"
		}
		v.Dependencies = append(v.Dependencies, strings.TrimSpace(s))
	}
	if d.Permissions != 0 {
		v.Permissions = d.Permissions.String()
	}
	return v
}

func cmdDiscover(ctx context.Context, h *host.Host, roots []string, format string) error {
	out := make(map[string][]descriptorView, len(roots))
	for _, root := range roots {
		descs, err := h.Discovery().Discover(ctx, root)
		if err != nil {
			return fmt.Errorf("root %s: %w", root, err)
		}
		views := make([]descriptorView, 0, len(descs))
		for _, d := range descs {
			views = append(views, viewOf(d))
		}
		out[root] = views
	}
	return printOutput(out, format)
}

func cmdResolve(ctx context.Context, h *host.Host, format string) error {
	res, rootErrors, err := h.Plan(ctx)
	if err != nil {
		return err
	}
	selected := make([]descriptorView, 0, len(res.Order))
	for _, d := range res.Descriptors() {
		selected = append(selected, viewOf(d))
	}
	diagnostics := make([]string, 0, len(res.Diagnostics))
	for _, d := range res.Diagnostics {
		diagnostics = append(diagnostics, fmt.Sprintf("%s %s: %s", d.Kind, d.PluginID, d.Message))
	}
	return printOutput(map[string]interface{}{
		"order":       res.Order,
		"selected":    selected,
		"excluded":    res.Excluded,
		"cycle":       res.Cycle,
		"diagnostics": diagnostics,
		"rootErrors":  rootErrors,
	}, format)
}

func cmdLoad(ctx context.Context, h *host.Host, format string) error {
	report, err := h.LoadAll(ctx)
	if err != nil {
		return err
	}
	return printOutput(map[string]interface{}{
		"report":   report,
		"toolbox":  h.Toolbox(),
		"services": h.Services(),
		"failures": h.Failures(),
	}, format)
}

func cmdHealth(ctx context.Context, h *host.Host, format string) error {
	if _, err := h.LoadAll(ctx); err != nil {
		return err
	}
	return printOutput(h.Health(ctx), format)
}

// cmdRun loads every plugin and keeps the host up until interrupted.
func cmdRun(ctx context.Context, h *host.Host, cfg config.MetricsConfig, m *metrics.Metrics, logger logging.Logger) error {
	if cfg.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, m.Handler())
		srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Serving metrics", "address", cfg.Address, "path", cfg.Path)
	}

	if _, err := h.LoadAll(ctx); err != nil {
		return err
	}
	if err := h.StartHealth(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func cmdConfig(cm *config.ConfigManager, key, format string) {
	if key == "" {
		printOrExit(cm.Redacted(), format)
		return
	}
	if v, ok := cm.Lookup(key); ok {
		value := v.Value
		if v.IsSecret {
			value = "******"
		}
		printOrExit(map[string]interface{}{key: value, "source": v.Source.String()}, format)
		return
	}
	value, err := cm.Get(key)
	if err != nil {
		fatalf("Failed to get config: %v", err)
	}
	printOrExit(map[string]interface{}{key: value}, format)
}

func printOrExit(data interface{}, format string) {
	if err := printOutput(data, format); err != nil {
		fatalf("failed to write output: %v", err)
	}
}

func printOutput(data interface{}, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	}
	return fmt.Errorf("unknown format %q", format)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
