package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/adapter"
	redisadapter "github.com/pithecene-io/daybreak/adapter/redis"
	"github.com/pithecene-io/daybreak/adapter/webhook"
	"github.com/pithecene-io/daybreak/cli/config"
	"github.com/pithecene-io/daybreak/history"
	"github.com/pithecene-io/daybreak/lease"
	"github.com/pithecene-io/daybreak/log"
	"github.com/pithecene-io/daybreak/metrics"
	"github.com/pithecene-io/daybreak/narrative"
	"github.com/pithecene-io/daybreak/persona"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
)

// Exit codes of the run command. Other commands exit 1 on error.
const (
	exitCompleted = 0
	exitHalted    = 1
	exitAborted   = 2
	exitInvariant = 3
	exitConfig    = 4
)

// Env carries dependencies that replace configured services. Nil fields
// fall back to the configuration.
type Env struct {
	Invoker persona.Invoker
	Cache   lease.CacheService
}

// NewApp builds the daybreak CLI. main installs the exit handler.
func NewApp(commit string, env *Env) *cli.App {
	if env == nil {
		env = &Env{}
	}
	return &cli.App{
		Name:    "daybreak",
		Usage:   "Durable narrative day pipelines",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Flags:   GlobalFlags(),
		Commands: []*cli.Command{
			RunCommand(env),
			StatusCommand(env),
			AbandonCommand(env),
			ImportCommand(env),
			HistoryCommand(env),
			VersionCommand(commit),
		},
	}
}

// runtime is everything one command invocation needs, built from config.
type runtime struct {
	cfg       *config.Config
	store     storage.Store
	codec     storage.Codec
	logger    *log.Logger
	collector *metrics.Collector
	driver    *pipeline.Driver
	history   lode.Dataset

	closers []io.Closer
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOptional(c.String("config"), c.IsSet("config"))
	if err != nil {
		return nil, err
	}
	if v := c.String("store-backend"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := c.String("store-path"); v != "" {
		cfg.Storage.Path = v
	}
	if v := c.String("model-version"); v != "" {
		cfg.Model.Version = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openRuntime wires storage, personas, the cache service, the pipelines
// and the driver observers. Failures exit with exitConfig.
func openRuntime(c *cli.Context, env *Env) (*runtime, error) {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitConfig)
	}

	rt := &runtime{cfg: cfg, logger: log.NewNop()}
	if c.Bool("verbose") {
		rt.logger = log.NewLogger(log.RunContext{}).WithOutput(c.App.ErrWriter)
	}
	fail := func(format string, args ...any) (*runtime, error) {
		rt.close()
		return nil, cli.Exit(fmt.Sprintf(format, args...), exitConfig)
	}

	backend := cfg.Storage.Backend
	if backend == "" {
		backend = storage.BackendFS
	}
	if backend == storage.BackendFS {
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = ".daybreak"
		}
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return fail("storage path: %v", err)
		}
	}
	rt.collector = metrics.NewCollector(backend, cfg.Model.Version)

	codecName := cfg.Storage.Codec
	if codecName == "" {
		codecName = "json"
	}
	if rt.codec, err = storage.CodecByName(codecName); err != nil {
		return fail("storage codec: %v", err)
	}
	store, err := storage.Open(ctx, cfg.Storage.StorageOptions())
	if err != nil {
		return fail("open storage: %v", err)
	}
	rt.store = storage.NewInstrumented(store, rt.collector)
	rt.closers = append(rt.closers, rt.store)

	invoker, err := rt.invoker(env)
	if err != nil {
		return fail("persona: %v", err)
	}
	cache, err := rt.cacheService(env)
	if err != nil {
		return fail("cache: %v", err)
	}

	exec, err := pipeline.NewExecutor(pipeline.Config{
		Store:        rt.store,
		Codec:        rt.codec,
		Invoker:      invoker,
		Cache:        cache,
		ModelVersion: cfg.Model.Version,
		StepTimeout:  cfg.Pipeline.StepTimeout.Duration,
		StepTimeouts: cfg.Pipeline.Timeouts(),
		Logger:       rt.logger,
		Collector:    rt.collector,
	})
	if err != nil {
		return fail("%v", err)
	}
	defs, err := narrative.Definitions(narrative.Options{CycleLength: cfg.Pipeline.CycleLength})
	if err != nil {
		return fail("pipelines: %v", err)
	}

	opts := []pipeline.DriverOption{
		pipeline.WithDriverLogger(rt.logger),
		pipeline.WithDriverCollector(rt.collector),
	}
	if rt.history, err = openHistory(ctx, cfg, backend); err != nil {
		return fail("history: %v", err)
	}
	if rt.history != nil {
		opts = append(opts, pipeline.WithObserver(history.NewWriter(rt.history, rt.collector)))
	}
	notifier, err := rt.notifier()
	if err != nil {
		return fail("adapter: %v", err)
	}
	if notifier != nil {
		opts = append(opts, pipeline.WithObserver(notifier))
	}

	rt.driver = pipeline.NewDriver(exec, defs, opts...)
	return rt, nil
}

func (rt *runtime) invoker(env *Env) (persona.Invoker, error) {
	if env.Invoker != nil {
		return env.Invoker, nil
	}
	pc := rt.cfg.Persona
	if len(pc.Endpoints) == 0 {
		// Read-only commands never call personas.
		return persona.InvokerFunc(func(context.Context, persona.Request) (persona.Response, error) {
			return persona.Response{}, errors.New("no persona endpoints configured")
		}), nil
	}
	strategy, err := persona.ParseStrategy(pc.Strategy)
	if err != nil {
		return nil, err
	}
	pool, err := persona.NewPool(pc.Endpoints, strategy, pc.StickyTTL.Duration)
	if err != nil {
		return nil, err
	}
	client, err := persona.NewHTTPClient(persona.HTTPConfig{
		Pool:    pool,
		APIKey:  pc.APIKey,
		Timeout: pc.Timeout.Duration,
		Retries: config.IntOr(pc.Retries, persona.DefaultRetries),
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, client)
	return client, nil
}

func (rt *runtime) cacheService(env *Env) (lease.CacheService, error) {
	if env.Cache != nil {
		return env.Cache, nil
	}
	cc := rt.cfg.Cache
	svc, err := lease.NewHTTPService(lease.HTTPConfig{
		URL:     cc.URL,
		APIKey:  cc.APIKey,
		Timeout: cc.Timeout.Duration,
		Retries: config.IntOr(cc.Retries, lease.DefaultRetries),
	})
	if errors.Is(err, lease.ErrNoService) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, svc)
	return svc, nil
}

// openHistory returns nil when history is disabled or has nowhere to go.
func openHistory(ctx context.Context, cfg *config.Config, backend string) (lode.Dataset, error) {
	hc := cfg.History
	if !hc.Enabled {
		return nil, nil
	}
	root := hc.Path
	if root == "" && backend == storage.BackendFS {
		root = filepath.Join(cfg.Storage.Path, "history")
	}
	switch {
	case root != "":
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		return history.NewDatasetFS(hc.Dataset, root)
	case backend == storage.BackendS3:
		bucket, prefix := storage.ParseS3Path(cfg.Storage.Path)
		return history.NewDatasetS3(ctx, hc.Dataset, storage.S3Config{
			Bucket:       bucket,
			Prefix:       storage.JoinKey(prefix, "history"),
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
	default:
		return nil, nil
	}
}

func (rt *runtime) notifier() (*adapter.Notifier, error) {
	ac := rt.cfg.Adapter
	var a adapter.Adapter
	switch ac.Type {
	case "":
		return nil, nil
	case config.AdapterWebhook:
		w, err := webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: config.IntOr(ac.Retries, webhook.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		a = w
	case config.AdapterRedis:
		r, err := redisadapter.New(redisadapter.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: config.IntOr(ac.Retries, redisadapter.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		a = r
	default:
		return nil, fmt.Errorf("unknown adapter %q", ac.Type)
	}
	n := adapter.NewNotifier(a, rt.logger)
	rt.closers = append(rt.closers, n)
	return n, nil
}

// close waits for background lease releases, then closes in reverse
// order of opening.
func (rt *runtime) close() {
	if rt.driver != nil {
		rt.driver.Executor().Wait()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.Warn("close failed", map[string]any{"error": err.Error()})
		}
	}
	_ = rt.logger.Sync()
}

// fatal prints err to stderr and exits 1, keeping exit codes of
// cli.Exit errors.
func fatal(err error) error {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return err
	}
	return cli.Exit(err.Error(), 1)
}
