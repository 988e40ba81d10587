package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"addinhost/pkg/concurrency"
	"addinhost/pkg/config"
	"addinhost/pkg/lifecycle"
	"addinhost/pkg/logging"
	"addinhost/pkg/metrics"
	"addinhost/pkg/plugin"
	"addinhost/pkg/plugin/dependency"
	"addinhost/pkg/plugin/discovery"
	"addinhost/pkg/plugin/manifest"
	"addinhost/pkg/resilience"
	"addinhost/pkg/security"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Operation names used for admission budgets and breakers.
const (
	OpLoadPlugin   = "LoadPlugin"
	OpUnloadPlugin = "UnloadPlugin"
	OpGetService   = "GetService"
)

const (
	tracerName   = "addinhost/host"
	failureLimit = 200
)

var ErrClosed = errors.New("host is closed")

type Options struct {
	// Config defaults to config.DefaultRuntimeConfig.
	Config *config.RuntimeConfig
	Logger logging.Logger
	// Metrics may be nil.
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	// Factories holds the plugin types compiled into the process.
	Factories *plugin.FactoryRegistry
	// Secrets resolves Security.SignatureKeySecret.
	Secrets config.SecretStore
	// PluginConfig supplies the configuration handed to a plugin on Init.
	PluginConfig func(pluginID string) map[string]interface{}
}

// Host owns every loaded plugin and is the only entry point the rest of
// the application uses to load, unload and query them.
type Host struct {
	cfg          config.RuntimeConfig
	resolveOpts  dependency.Options
	logger       logging.Logger
	tracer       trace.Tracer
	pluginConfig func(string) map[string]interface{}

	registry  *plugin.PluginRegistry
	store     *manifest.Store
	discovery *discovery.Discoverer
	resolver  *dependency.Resolver
	loader    plugin.ModuleLoader
	factories *plugin.FactoryRegistry
	verifier  *security.Verifier
	gateway   *security.Gateway
	clients   *security.HTTPClientFactory
	runner    *security.InProcessSandbox
	lifecycle *lifecycle.Manager
	admission *concurrency.Manager
	handler   *resilience.Handler
	health    *resilience.HealthMonitor
	healer    *resilience.SelfHealer

	mu        sync.RWMutex
	services  map[string]service
	manifests map[string]string
	blocked   map[string]FailureSummary
	failures  []FailureSummary

	healing atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a host from opts. The signature key is fetched from the
// secret store when one is named.
func New(ctx context.Context, opts Options) (*Host, error) {
	cfg := config.DefaultRuntimeConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	logger := logging.OrNop(opts.Logger)

	resolveOpts, err := cfg.Plugins.ResolveOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid plugin configuration: %w", err)
	}

	signature := cfg.Security.Signature
	if cfg.Security.SignatureKeySecret != "" {
		if opts.Secrets == nil {
			return nil, fmt.Errorf("signature key secret %q configured without a secret store", cfg.Security.SignatureKeySecret)
		}
		key, err := opts.Secrets.GetSecret(ctx, cfg.Security.SignatureKeySecret)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch signature key: %w", err)
		}
		if signature.Algorithm == "RS256" {
			signature.PublicKey = key
		} else {
			signature.SecretKey = key
		}
	}
	verifier, err := security.NewVerifier(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature verifier: %w", err)
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	factories := opts.Factories
	if factories == nil {
		factories = plugin.NewFactoryRegistry()
	}

	registry := plugin.NewPluginRegistry(logger)
	store := manifest.NewStore()

	var sandbox security.Sandbox
	switch cfg.Security.Sandbox {
	case "", "inprocess":
		sandbox = security.NewInProcessSandbox(cfg.Security.Limits)
	case "process":
		sandbox = security.NewProcessSandbox(cfg.Security.Limits)
	default:
		return nil, fmt.Errorf("unknown sandbox %q", cfg.Security.Sandbox)
	}
	gateway := security.NewGateway(registry, security.NewAuditLog(cfg.Security.AuditSize, logger), sandbox, logger)
	if err := gateway.SetDefaultPolicy(cfg.Security.DefaultPolicy); err != nil {
		return nil, err
	}

	loaders := plugin.ChainLoader{factories, plugin.NewSharedObjectLoader()}
	if _, ok := sandbox.(*security.ProcessSandbox); ok {
		loaders = append(loaders, &processLoader{sandbox: sandbox})
	}

	admission := concurrency.NewManager(concurrency.DefaultConfig(), logger)
	for name, budget := range cfg.Concurrency.Operations() {
		admission.Configure(name, budget)
	}

	lm := lifecycle.NewManager(logger)
	handler := resilience.NewHandler(cfg.Resilience, logger)
	monitor := resilience.NewHealthMonitor(cfg.Health.HealthOptions, logger)
	healer := resilience.NewSelfHealer(logger)
	if opts.Metrics != nil {
		admission.WithMetrics(opts.Metrics)
		lm.WithMetrics(opts.Metrics)
		handler.WithMetrics(opts.Metrics)
		monitor.WithMetrics(opts.Metrics)
		healer.WithMetrics(opts.Metrics)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:          cfg,
		resolveOpts:  resolveOpts,
		logger:       logger,
		tracer:       tp.Tracer(tracerName),
		pluginConfig: opts.PluginConfig,
		registry:     registry,
		store:        store,
		discovery:    discovery.New(store, logger, cfg.Discovery.Options()),
		resolver:     dependency.NewResolver(logger),
		loader:       loaders,
		factories:    factories,
		verifier:     verifier,
		gateway:      gateway,
		clients:      security.NewHTTPClientFactory(gateway, 30*time.Second),
		runner:       security.NewInProcessSandbox(cfg.Security.Limits),
		lifecycle:    lm,
		admission:    admission,
		handler:      handler,
		health:       monitor,
		healer:       healer,
		services:     make(map[string]service),
		manifests:    make(map[string]string),
		blocked:      make(map[string]FailureSummary),
		ctx:          hctx,
		cancel:       cancel,
	}

	healer.AddStrategy(&resilience.RestartStrategy{Reloader: h, GracePeriod: cfg.Health.GracePeriod})
	healer.AddStrategy(&resilience.ResourceCleanupStrategy{
		TempDir: os.TempDir(),
		Pattern: "addin-*",
		MaxAge:  time.Hour,
	})
	monitor.Subscribe(h.onHealthReport)

	return h, nil
}

func (h *Host) Registry() *plugin.PluginRegistry { return h.registry }

func (h *Host) Lifecycle() *lifecycle.Manager { return h.lifecycle }

func (h *Host) Gateway() *security.Gateway { return h.gateway }

func (h *Host) Admission() *concurrency.Manager { return h.admission }

func (h *Host) Resilience() *resilience.Handler { return h.handler }

func (h *Host) HealthMonitor() *resilience.HealthMonitor { return h.health }

func (h *Host) SelfHealer() *resilience.SelfHealer { return h.healer }

func (h *Host) Discovery() *discovery.Discoverer { return h.discovery }

func (h *Host) Factories() *plugin.FactoryRegistry { return h.factories }

func (h *Host) Config() config.RuntimeConfig { return h.cfg }

// Close stops health scheduling and unloads every plugin, dependents
// before their dependencies.
func (h *Host) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.health.Stop()
	h.cancel()

	var result *multierror.Error
	loaded := h.registry.Loaded()
	for i := len(loaded) - 1; i >= 0; i-- {
		id := loaded[i].Descriptor.ID
		if err := h.unload(ctx, id); err != nil && !errors.Is(err, plugin.ErrPluginNotFound) {
			result = multierror.Append(result, err)
		}
	}
	if err := h.discovery.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	h.logger.Info("Host closed", "unloaded", len(loaded))
	return result.ErrorOrNil()
}
