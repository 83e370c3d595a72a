// Command chat-server runs the HTTP/SSE chat transport demo: it loads
// configuration, wires the configured bus backing and model handler
// together, and serves until interrupted. A single cobra command, since
// this binary has no subcommands of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/bus/membus"
	"github.com/chatbus/chatbus/internal/bus/redisbus"
	"github.com/chatbus/chatbus/internal/chatsession"
	"github.com/chatbus/chatbus/internal/config"
	"github.com/chatbus/chatbus/internal/logging"
	"github.com/chatbus/chatbus/internal/modelclient"
	"github.com/chatbus/chatbus/internal/server"
)

var (
	directory string
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chat-server",
	Short: "Run the chat transport HTTP/SSE demo server",
	RunE:  runServe,
}

func init() {
	_ = godotenv.Load()
	rootCmd.Flags().StringVar(&directory, "directory", "", "project directory to read .chatbus/chatbus.yaml from")
	rootCmd.Flags().BoolVar(&printLogs, "print-logs", true, "print logs to stderr")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override config.logLevel (DEBUG|INFO|WARN|ERROR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := directory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("chat-server: %w", err)
		}
		workDir = wd
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("chat-server: loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Pretty: printLogs,
	})
	log := logging.Logger

	client, closeClient, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("chat-server: %w", err)
	}
	defer closeClient()

	handler, err := buildHandler(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("chat-server: %w", err)
	}

	srv := server.New(server.Options{
		Addr:              cfg.Server.Addr,
		MetricsAddr:       cfg.Server.MetricsAddr,
		Client:            client,
		Handler:           handler,
		HistoryLimit:      cfg.Server.HistoryLimit,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatSecs) * time.Second,
		EnablePresence:    true,
		Logger:            log,
	})

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("chat-server listening")
		if err := srv.Start(); err != nil {
			log.Info().Err(err).Msg("chat-server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("chat-server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildBus(cfg *config.Config) (bus.Client, func(), error) {
	switch cfg.Bus {
	case config.BusBackendRedis:
		if cfg.Redis.URL == "" {
			return nil, nil, fmt.Errorf("bus=redis requires redis.url")
		}
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		b := redisbus.New(rdb)
		return b, func() { _ = rdb.Close() }, nil
	default:
		b := membus.New()
		return b, func() { _ = b.Close() }, nil
	}
}

func buildHandler(ctx context.Context, cfg *config.Config) (chatsession.Handler, error) {
	switch cfg.Model.Provider {
	case "openai":
		return modelclient.NewOpenAIHandler(modelclient.OpenAIOptions{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  cfg.Model.Model,
		}), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		return modelclient.NewBedrockHandler(modelclient.BedrockOptions{
			Client:  bedrockruntime.NewFromConfig(awsCfg),
			ModelID: cfg.Model.Model,
		}), nil
	case "anthropic", "":
		return modelclient.NewAnthropicHandler(modelclient.AnthropicOptions{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  cfg.Model.Model,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model.provider %q", cfg.Model.Provider)
	}
}

