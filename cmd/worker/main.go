package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"edgehost/adapter"
	"edgehost/container"
	"edgehost/infrastructure/config"
	"edgehost/pkg/observability"
	"edgehost/registry"
)

// Global variables for worker lifecycle management
var (
	// bundle holds the adapters sharing this worker's runtime container
	bundle *adapter.Bundle

	// coldStartTime records when the cold start began
	coldStartTime time.Time
)

// Demo capabilities wired into the service assembly
var (
	tagGreeting = registry.NewTag[string]("app.greeting")
	tagRouter   = registry.NewTag[*chi.Mux]("app.router")
)

// init runs during cold start
func init() {
	coldStartTime = time.Now()
	log.Println("worker cold start initiated")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)

	bindings, err := cfg.LoadBindings()
	if err != nil {
		log.Fatalf("Failed to load bindings: %v", err)
	}

	// In development the bindings file is hot-reloaded, so edits show up on
	// the next invocation without restarting the worker.
	var watcher *config.BindingsWatcher
	var bindingsSource func() adapter.Bindings
	if cfg.IsDevelopment() && cfg.BindingsFile != "" {
		watcher, err = config.NewBindingsWatcher(cfg.BindingsFile, logger)
		if err != nil {
			log.Fatalf("Failed to watch bindings file: %v", err)
		}
		watcher.Start()
		bindingsSource = func() adapter.Bindings {
			merged := make(adapter.Bindings, len(bindings))
			for k, v := range bindings {
				merged[k] = v
			}
			for k, v := range watcher.Current() {
				merged[k] = v
			}
			return merged
		}
	}

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	blueprint := container.NewBlueprint("worker",
		container.Provide(tagGreeting, func(ctx context.Context, a *container.Assembly) (string, error) {
			return "hello from edgehost", nil
		}),
		container.Provide(tagRouter, func(ctx context.Context, a *container.Assembly) (*chi.Mux, error) {
			greeting, err := container.Resolve(a, tagGreeting)
			if err != nil {
				return nil, err
			}
			r := chi.NewRouter()
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				w.Write([]byte(greeting))
			})
			r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			return r, nil
		}),
	)

	bundle, err = adapter.NewBundle(adapter.BundleOptions{
		Assembly:       blueprint,
		Bindings:       bindings,
		BindingsSource: bindingsSource,
		Logger:         logger,
		Metrics:        metrics,
		Fetch: &adapter.FetchLogic{
			// Pull style: resolve the router once at first request, then
			// every invocation goes through the proxy.
			Build: func(ctx context.Context, reg *registry.Registry) (adapter.FetchFunc, error) {
				mux, err := registry.Get(reg, tagRouter)
				if err != nil {
					return nil, err
				}
				proxy := chiadapter.NewV2(mux)
				return func(ctx context.Context, inv *adapter.Invocation) (events.APIGatewayV2HTTPResponse, error) {
					req := registry.MustGet(inv.Registry(), adapter.TagRequest)
					return proxy.ProxyWithContextV2(ctx, req)
				}, nil
			},
		},
		Scheduled: &adapter.ScheduledLogic{
			// Push style: native arguments, housekeeping deferred past the
			// response.
			Handle: func(ctx context.Context, timer *adapter.Timer, env adapter.Bindings, exec *adapter.ExecutionContext) error {
				exec.WaitUntil(func(ctx context.Context) error {
					logger.Info("housekeeping tick",
						zap.Time("scheduled", timer.ScheduledTime()),
						zap.String("rule", timer.Rule()),
					)
					return nil
				})
				return nil
			},
		},
	})
	if err != nil {
		log.Fatalf("Failed to build bundle: %v", err)
	}

	// Tear down the container when the host ends the worker process
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if watcher != nil {
			watcher.Stop()
		}
		if err := bundle.Dispose(ctx); err != nil {
			logger.Error("Teardown failed", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(0)
	}()

	log.Printf("worker cold start completed in %v", time.Since(coldStartTime))
}

// main starts the handler matching the trigger this deployment serves.
// The same binary is deployed once per trigger kind.
func main() {
	switch os.Getenv("HANDLER_KIND") {
	case adapter.KindScheduled:
		lambda.Start(bundle.Scheduled().Handler())
	default:
		lambda.Start(bundle.Fetch().Handler())
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg.IsDevelopment() {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	zcfg := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, _ := zcfg.Build()
	return logger
}
