// serve.go wires the platform together: storage, registry, providers,
// tier executors, auth, and the HTTP servers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cascadefn/cascadefn/internal/agentexec"
	"github.com/cascadefn/cascadefn/internal/auth"
	"github.com/cascadefn/cascadefn/internal/cache"
	"github.com/cascadefn/cascadefn/internal/cascade"
	"github.com/cascadefn/cascadefn/internal/codeexec"
	"github.com/cascadefn/cascadefn/internal/config"
	"github.com/cascadefn/cascadefn/internal/gateway"
	"github.com/cascadefn/cascadefn/internal/genexec"
	"github.com/cascadefn/cascadefn/internal/llm"
	"github.com/cascadefn/cascadefn/internal/logs"
	"github.com/cascadefn/cascadefn/internal/observability"
	"github.com/cascadefn/cascadefn/internal/ratelimit"
	"github.com/cascadefn/cascadefn/internal/registry"
	"github.com/cascadefn/cascadefn/internal/store"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/internal/tooldispatch"
	"github.com/cascadefn/cascadefn/pkg/models"
)

const defaultConfigName = "cascadefn.yaml"

func runServe(ctx context.Context, configPath string, debug bool) error {
	// The default config file is optional; a named one is not.
	if configPath == defaultConfigName {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logStore := logs.NewStore(cfg.Logging.RetainPerFunction)
	logger := buildLogger(cfg, logStore, debug)
	slog.SetDefault(logger)

	blobs, closeStore, err := openBlobStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.OTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	reg := registry.New(blobs, logger)
	taskStore := tasks.NewStore(cfg.Server.BaseURL)

	provider := buildProvider(cfg, logger)

	sandbox := codeexec.NewNodeSandbox()
	if cfg.Sandbox.Command != "" {
		sandbox.Command = cfg.Sandbox.Command
	}
	codeExec := codeexec.New(sandbox, codeexec.Options{
		Sink:          reg,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Logger:        logger,
	})

	genExec := genexec.New(provider, cache.NewResponseCache(cache.Options{}), logger)

	dispatcher := tooldispatch.New(tooldispatch.Options{
		Sandbox: sandbox,
		Invoker: &localInvoker{registry: reg, code: codeExec, gen: genExec},
		Logger:  logger,
	})
	registerBuiltins(dispatcher, logger)

	agentExec := agentexec.New(provider, dispatcher, logger)
	cascadeExec := cascade.New(codeExec, genExec, agentExec, taskStore, logger)

	authService := buildAuthService(cfg)
	if !authService.Enabled() {
		logger.Warn("no API keys or JWT secret configured; the API is open")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit)
	}

	server := gateway.NewServer(gateway.Options{
		Registry: reg,
		Invokers: gateway.Invokers{
			Code:       codeExec,
			Generative: genExec,
			Agentic:    agentExec,
			Cascade:    cascadeExec,
		},
		Tasks:   taskStore,
		Logs:    logStore,
		Auth:    authService,
		Limiter: limiter,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if metrics != nil && cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return httpServer.Shutdown(shutdownCtx)
}

func buildLogger(cfg *config.Config, logStore *logs.Store, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Logging.Format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logs.NewHandler(inner, logStore))
}

func openBlobStore(cfg *config.Config) (store.BlobStore, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// buildProvider selects the configured LLM backend. A missing API key
// yields a provider that fails completions with a clear message, so
// code functions keep working without credentials.
func buildProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	var (
		provider llm.Provider
		err      error
	)
	switch cfg.Providers.Default {
	case "openai":
		provider, err = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
	default:
		provider, err = llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
	}
	if err != nil {
		logger.Warn("llm provider unavailable; generative and agentic functions will fail",
			"provider", cfg.Providers.Default, "error", err)
		return &unconfiguredProvider{name: cfg.Providers.Default}
	}
	return llm.WithRetries(provider, logger)
}

// unconfiguredProvider stands in when no API key is set.
type unconfiguredProvider struct{ name string }

func (p *unconfiguredProvider) Name() string { return p.name }

func (p *unconfiguredProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return nil, llm.NewUpstreamError(p.name, req.Model, 0,
		fmt.Errorf("no API key configured for provider %q", p.name))
}

func buildAuthService(cfg *config.Config) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, entry := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:     entry.Key,
			KeyID:   entry.KeyID,
			OwnerID: entry.OwnerID,
			Scopes:  entry.Scopes,
			Active:  entry.Active,
		})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     keys,
	})
}

// localInvoker serves function-ref tools by running the target function
// in process, bypassing the HTTP layer.
type localInvoker struct {
	registry *registry.Registry
	code     *codeexec.Executor
	gen      *genexec.Executor
}

func (inv *localInvoker) Invoke(ctx context.Context, functionID string, payload json.RawMessage) (json.RawMessage, error) {
	meta, err := inv.registry.Get(ctx, functionID)
	if err != nil {
		return nil, err
	}
	switch meta.Type {
	case models.FunctionCode:
		artifact, version, err := inv.registry.GetArtifact(ctx, functionID, "")
		if err != nil {
			return nil, err
		}
		result, err := inv.code.Execute(ctx, functionID, version, meta.Code, artifact, payload)
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	case models.FunctionGenerative:
		var variables map[string]interface{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &variables); err != nil {
				return nil, fmt.Errorf("function tool payload must be a JSON object: %w", err)
			}
		}
		result, err := inv.gen.Execute(ctx, functionID, meta.ActiveVersion, meta.Generative, variables)
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	default:
		return nil, fmt.Errorf("function %s has type %s, which tools cannot call", functionID, meta.Type)
	}
}

// registerBuiltins installs the built-in tools that work without
// external service credentials.
func registerBuiltins(d *tooldispatch.Dispatcher, logger *slog.Logger) {
	client := &http.Client{Timeout: 30 * time.Second}

	err := d.RegisterBuiltin("web_fetch", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(input, &args); err != nil || args.URL == "" {
			return nil, fmt.Errorf("web_fetch requires a url")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"status": resp.StatusCode,
			"body":   string(body),
		})
	})
	if err != nil {
		logger.Warn("builtin registration failed", "tool", "web_fetch", "error", err)
	}
}
