// Command memory-cli administers a subject's long-term memory: ingest chat
// exports, inspect and edit profiles and events, and run recall by hand.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jessevdk/go-flags"

	"github.com/EternisAI/enchanted-memory/pkg/agent/memory"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/longterm"
	"github.com/EternisAI/enchanted-memory/pkg/agent/memory/storage"
	"github.com/EternisAI/enchanted-memory/pkg/ai"
	"github.com/EternisAI/enchanted-memory/pkg/config"
	"github.com/EternisAI/enchanted-memory/pkg/db"
	"github.com/EternisAI/enchanted-memory/pkg/kv"
	"github.com/EternisAI/enchanted-memory/pkg/logging"
	"github.com/EternisAI/enchanted-memory/pkg/metrics"
)

// GlobalOptions are shared by every subcommand.
type GlobalOptions struct {
	User    string `short:"u" long:"user" description:"user id" required:"true"`
	Space   string `short:"s" long:"space" description:"space id" default:"default"`
	Verbose bool   `short:"v" long:"verbose" description:"log at debug level"`
}

var globals GlobalOptions

func (g GlobalOptions) subject() memory.Subject {
	return memory.Subject{UserID: g.User, SpaceID: g.Space}
}

// app is the wired subsystem for one invocation.
type app struct {
	logger  *log.Logger
	conf    *config.Config
	svc     *longterm.Service
	store   storage.Interface
	metrics *metrics.Collector
	server  *http.Server
}

func newApp(ctx context.Context) (*app, error) {
	conf, err := config.LoadConfig(false)
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if globals.Verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
		TimeFormat:      time.Kitchen,
	})
	factory := logging.NewFactory(logger)
	factory.LoadLogLevelsFromEnv()

	dsn := conf.MemoryDBPath
	if conf.MemoryBackend == "postgresql" {
		dsn = conf.MemoryPostgresURL
	}
	conn, err := db.Open(ctx, conf.MemoryBackend, dsn, factory.ForRepository("db"))
	if err != nil {
		return nil, err
	}
	store, err := storage.New(ctx, conn, factory.ForRepository("storage"), conf.EmbeddingDim, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	collector := metrics.New(nil)
	completions := ai.NewOpenAIService(factory.ForAI("completions"), conf.CompletionsAPIKey, conf.CompletionsAPIURL)
	embeddings := ai.NewOpenAIService(factory.ForEmbedding("embeddings"), conf.EmbeddingsAPIKey, conf.EmbeddingsAPIURL).
		WithRateLimiter(ai.NewRateLimiter(conf.EmbeddingsRequestsPerS, 1))

	svc, err := longterm.New(longterm.Dependencies{
		Store:       store,
		KV:          kv.NewMemoryProvider(),
		Completions: completions,
		Embeddings:  embeddings,
		Logger:      factory.ForMemory("longterm"),
		Metrics:     collector,
		Options:     longterm.OptionsFromConfig(conf),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{logger: logger, conf: conf, svc: svc, store: store, metrics: collector}
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		a.server = &http.Server{Addr: conf.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics", "addr", conf.MetricsAddr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}
	return a, nil
}

func (a *app) Close() {
	a.svc.Stop()
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close storage", "error", err)
	}
}

// withApp runs fn against a freshly wired subsystem, cancelled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func main() {
	parser := flags.NewParser(&globals, flags.Default)
	parser.ShortDescription = "Long-term memory administration"
	registerCommands(parser)

	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.As(err, &fe) {
			log.Error("Command failed", "error", err)
		}
		os.Exit(1)
	}
}
