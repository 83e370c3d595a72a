// Command chat-client is a terminal REPL exercising one channel's
// internal/chattransport.Transport directly, without the HTTP/SSE layer
// internal/server adds: a cobra command with a bufio stdin loop that prints
// output as it streams in.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chatbus/chatbus/internal/bus"
	"github.com/chatbus/chatbus/internal/bus/membus"
	"github.com/chatbus/chatbus/internal/bus/redisbus"
	"github.com/chatbus/chatbus/internal/chattransport"
	"github.com/chatbus/chatbus/internal/config"
	"github.com/chatbus/chatbus/pkg/chatproto"
)

var (
	channel   string
	directory string
)

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Interactively drive one chat channel over the bus",
	RunE:  runREPL,
}

func init() {
	_ = godotenv.Load()
	rootCmd.Flags().StringVar(&channel, "channel", "cli", "channel to converse on")
	rootCmd.Flags().StringVar(&directory, "directory", "", "project directory to read .chatbus/chatbus.yaml from")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(directory)
	if err != nil {
		return fmt.Errorf("chat-client: loading config: %w", err)
	}

	client, closeClient, err := dialBus(cfg)
	if err != nil {
		return fmt.Errorf("chat-client: %w", err)
	}
	defer closeClient()

	log := zerolog.Nop()
	tr := chattransport.New(client, channel, log)
	defer tr.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	unsub, err := tr.OnAgentPresenceChange(ctx, func(online bool) {
		if online {
			fmt.Println("* agent online")
		} else {
			fmt.Println("* agent offline")
		}
	})
	if err == nil {
		defer unsub()
	}

	hist, err := tr.LoadChatHistory(ctx, 0)
	if err == nil {
		for _, m := range hist.Messages {
			printMessage(m)
		}
		if hist.HasActiveStream {
			if chunks, err := tr.ReconnectToStream(ctx); err == nil && chunks != nil {
				drain(chunks)
			}
		}
	}

	fmt.Println("type a message and press enter; /regenerate to redo the last reply; ctrl-d to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		var chunks <-chan chatproto.UIChunk
		var sendErr error
		if line == "/regenerate" {
			chunks, sendErr = tr.SendMessages(ctx, chattransport.SendOptions{Trigger: chattransport.TriggerRegenerateMessage}, nil)
		} else {
			chunks, sendErr = tr.SendMessages(ctx, chattransport.SendOptions{
				Trigger: chattransport.TriggerSubmitMessage,
				Message: chatproto.LogicalMessage{
					Role:  chatproto.RoleUser,
					Parts: []chatproto.Part{{Kind: chatproto.PartKindText, Text: line}},
				},
			}, nil)
		}
		if sendErr != nil {
			fmt.Fprintln(os.Stderr, "error:", sendErr)
			continue
		}
		drain(chunks)
	}
}

// drain prints text deltas as they arrive and stops at the first terminal
// chunk, matching the fire-and-forget read loop a thin CLI client needs.
func drain(chunks <-chan chatproto.UIChunk) {
	for c := range chunks {
		switch c.Kind {
		case chatproto.KindTextDelta:
			fmt.Print(c.Delta)
		case chatproto.KindTextEnd:
			fmt.Println()
		case chatproto.KindError:
			fmt.Fprintln(os.Stderr, "\nerror:", c.ErrorText)
		case chatproto.KindAbort:
			fmt.Println("\n[aborted]")
		}
		if c.IsTerminal() {
			return
		}
	}
}

func printMessage(m chatproto.LogicalMessage) {
	for _, p := range m.Parts {
		if p.Kind == chatproto.PartKindText {
			fmt.Printf("[%s] %s\n", m.Role, p.Text)
		}
	}
}

func dialBus(cfg *config.Config) (bus.Client, func(), error) {
	switch cfg.Bus {
	case config.BusBackendRedis:
		if cfg.Redis.URL == "" {
			return nil, nil, fmt.Errorf("bus=redis requires redis.url")
		}
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		return redisbus.New(rdb), func() { _ = rdb.Close() }, nil
	default:
		b := membus.New()
		return b, func() { _ = b.Close() }, nil
	}
}
