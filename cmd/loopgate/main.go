// Loopgate is an OpenAI-compatible gateway that runs chat requests
// through a tool-calling feedback loop.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]). Without one, a local
// Ollama default is used.
//
// Usage:
//
//	loopgate serve                 Start the API server
//	loopgate init [dir]            Write an example config and data directory
//	loopgate chat <message>        Run one request through the loop
//	loopgate tools                 List the tools the model can call
//	loopgate version               Print version and build information
//	loopgate -o json version       Output version information as JSON
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
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/loopgate/internal/agent"
	"github.com/nugget/loopgate/internal/api"
	"github.com/nugget/loopgate/internal/buildinfo"
	"github.com/nugget/loopgate/internal/config"
	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/httpkit"
	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/mqtt"
	"github.com/nugget/loopgate/internal/tools"
	"github.com/nugget/loopgate/internal/usage"
)

// shutdownTimeout bounds how long in-flight requests may run after a
// shutdown signal.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. args includes the program name, as
// os.Args does. Structured logs from serve go to stdout; the chat and
// tools commands keep stdout for their own output and log to stderr.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	return newCommand(stdout, stderr).Run(ctx, args)
}

func newCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "loopgate",
		Usage:     "OpenAI-compatible gateway with a tool-calling feedback loop",
		Version:   buildinfo.Version,
		Writer:    stdout,
		ErrWriter: stderr,
		// Errors are returned to main, which owns the exit code.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the configuration file", Sources: cli.EnvVars("LOOPGATE_CONFIG")},
			&cli.StringFlag{Name: "log-level", Usage: "override log_level (trace, debug, info, warn, error)", Sources: cli.EnvVars("LOOPGATE_LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Usage: "override log_format (text, json, color)", Sources: cli.EnvVars("LOOPGATE_LOG_FORMAT")},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "text", Usage: "output format for version and tools (text or json)"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			switch f := cmd.String("output"); f {
			case "text", "json":
				return ctx, nil
			default:
				return ctx, fmt.Errorf("unknown output format: %q (expected text or json)", f)
			}
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the API server",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, cmd, stdout)
				},
			},
			{
				Name:      "init",
				Usage:     "initialize a working directory with an example config",
				ArgsUsage: "[dir]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					dir := cmd.Args().First()
					if dir == "" {
						dir = "."
					}
					return runInit(stdout, dir)
				},
			},
			{
				Name:      "chat",
				Usage:     "run one message through the feedback loop",
				ArgsUsage: "<message>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model to use instead of models.default"},
					&cli.BoolFlag{Name: "no-stream", Usage: "wait for the full answer instead of streaming it"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runChat(ctx, cmd, stdout, stderr)
				},
			},
			{
				Name:  "tools",
				Usage: "list the tools exposed to the model",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runTools(cmd, stdout, stderr)
				},
			},
			{
				Name:  "version",
				Usage: "show version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runVersion(stdout, cmd.String("output"))
				},
			},
		},
	}
}

// runVersion prints build metadata in the requested format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig resolves, loads and validates the configuration. Without
// an explicit path and with no file in the search path it falls back to
// [config.Default]. The returned path is empty in that case.
func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	explicit := cmd.String("config")

	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err != nil && explicit != "":
		return nil, "", err
	case err != nil:
		cfg = config.Default()
		cfgPath = ""
	default:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		if cfgPath == "" {
			return nil, "", fmt.Errorf("invalid configuration: %w", err)
		}
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// gateway is the set of long-lived components shared by serve and chat.
type gateway struct {
	router   *llm.Router
	registry *tools.Registry
	store    *usage.Store
	bus      *events.Bus
	loop     *agent.Loop
}

// Close releases the usage database.
func (g *gateway) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

// buildGateway wires providers, tools, persistence and the loop from
// cfg.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	router, err := newRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := newRegistry(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "loopgate.db")
	store, err := usage.NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("usage store opened", "path", dbPath)

	var counter agent.TokenEstimator
	if cfg.Loop.TokenCounter == "tiktoken" {
		tk, err := agent.NewTiktokenEstimator(cfg.Models.Default)
		if err != nil {
			logger.Warn("tiktoken unavailable, counting usage by characters", "error", err)
		} else {
			counter = tk
		}
	}

	bus := events.New()
	loop := agent.NewLoop(agent.Config{
		Logger:       logger,
		Provider:     router,
		Tools:        registry,
		ToolSchemas:  registry.Schemas(),
		DefaultModel: cfg.Models.Default,
		SystemPrompt: cfg.Loop.SystemPrompt,
		Budget: agent.Budget{
			MaxIterations:        cfg.Loop.MaxIterations,
			MaxContextTokens:     cfg.Loop.MaxContextTokens,
			MaxBatchResultTokens: cfg.Loop.MaxBatchResultTokens,
			BatchSize:            cfg.Loop.BatchSize,
			InterBatchDelay:      cfg.Loop.InterBatchDelay,
		},
		UsageCounter: counter,
		Archiver:     store,
		Recorder:     store,
		Events:       bus,
	})

	logger.Info("loop initialized",
		"default_model", cfg.Models.Default,
		"default_provider", router.ProviderName(cfg.Models.Default),
		"tools", registry.Names(),
		"max_iterations", loop.Budget().MaxIterations,
	)

	return &gateway{
		router:   router,
		registry: registry,
		store:    store,
		bus:      bus,
		loop:     loop,
	}, nil
}

// newRouter builds one provider per configured backend and maps every
// listed model to its provider. Unlisted models go to the default
// model's provider, or the first provider when the default is unlisted.
func newRouter(cfg *config.Config, logger *slog.Logger) (*llm.Router, error) {
	providers := make(map[string]llm.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		client := httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(pc.TimeoutSec)*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
		switch pc.Kind {
		case "openai":
			providers[pc.Name] = llm.NewOpenAIProvider(pc.Name, pc.BaseURL, pc.APIKey, client, logger)
		case "ollama":
			providers[pc.Name] = llm.NewOllamaProvider(pc.Name, pc.BaseURL, client, logger)
		case "anthropic":
			providers[pc.Name] = llm.NewAnthropicProvider(pc.Name, pc.BaseURL, pc.APIKey, client, logger)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no providers configured")
	}

	fallback := providers[cfg.Providers[0].Name]
	if m, ok := cfg.ModelByName(cfg.Models.Default); ok {
		if p, ok := providers[m.Provider]; ok {
			fallback = p
		}
	}

	router := llm.NewRouter(fallback)
	for name, p := range providers {
		router.AddProvider(name, p)
	}
	for _, m := range cfg.Models.Available {
		router.AddModel(m.Name, m.Provider)
	}
	return router, nil
}

func newRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()

	if ft := tools.NewFileTools(cfg.Workspace.Path); ft.Enabled() {
		ft.Register(registry)
	}

	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.ShellExec.Enabled
	shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
	shellCfg.DeniedCmds = append(slices.Clone(tools.DefaultDeniedCommands), cfg.ShellExec.DeniedPatterns...)
	if cfg.ShellExec.DefaultTimeoutSec > 0 {
		shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
	}
	tools.NewShellExec(shellCfg).Register(registry)

	return registry
}

// runServe starts the HTTP API and, when configured, the MQTT
// publisher, and blocks until a signal or a fatal error.
func runServe(ctx context.Context, cmd *cli.Command, stdout io.Writer) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stdout)
	logger.Info("starting loopgate", "version", buildinfo.Version, "commit", buildinfo.GitCommit)
	if cfgPath == "" {
		logger.Warn("no config file found, using built-in defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close usage store", "error", err)
		}
	}()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, gw.bus, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"instance_id", instanceID,
		)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, gw.loop, gw.router, logger)
	server.SetUsageStore(gw.store)
	server.SetEventBus(gw.bus)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Requests keep running through the shutdown grace period.
		if err := server.Start(context.WithoutCancel(gctx)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown incomplete", "error", err)
		}
		return nil
	})

	if publisher != nil {
		g.Go(func() error {
			if err := publisher.Start(gctx); err != nil {
				// MQTT is auxiliary; the gateway keeps serving.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// runChat sends a single message through the loop. Streamed text goes
// to stdout as it arrives and tool progress goes to stderr.
func runChat(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	message := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if message == "" {
		return errors.New("usage: loopgate chat <message>")
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	req := &agent.Request{
		Model:    cmd.String("model"),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: message}},
	}

	var resp *agent.Response
	if cmd.Bool("no-stream") {
		resp, err = gw.loop.Run(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, resp.Content)
	} else {
		resp, err = gw.loop.RunStream(ctx, req, func(ev agent.StreamEvent) {
			switch ev.Kind {
			case agent.KindToken:
				fmt.Fprint(stdout, ev.Token)
			case agent.KindProgress:
				fmt.Fprintf(stderr, "[%s]\n", ev.Token)
			}
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout)
	}

	logger.Info("chat complete",
		"request_id", resp.RequestID,
		"termination", resp.Termination.String(),
		"iterations", resp.Iterations,
		"tool_calls", resp.ToolCalls,
	)
	return nil
}

// runTools lists the tools the configuration exposes to the model.
func runTools(cmd *cli.Command, stdout, stderr io.Writer) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry := newRegistry(cfg)

	if cmd.String("output") == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(registry.Schemas())
	}

	names := registry.Names()
	if len(names) == 0 {
		fmt.Fprintln(stderr, "no tools enabled (set workspace.path or shell_exec.enabled)")
		return nil
	}
	for _, name := range names {
		t, _ := registry.Get(name)
		fmt.Fprintf(stdout, "%-12s %s\n", name, t.Description)
	}
	return nil
}
