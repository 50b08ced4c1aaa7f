// streamtest connects to a market stream and prints every message to the console.
// Usage: go run ./cmd/streamtest -url wss://stream.example.com/ws -channels ticker.BTC,trades.ETH
//
// A config file can supply the stream section instead of flags; flags win.
// Optional environment variables for signed handshakes:
//
//	STREAM_API_KEY          - API key id sent as ACCESS-KEY
//	STREAM_PRIVATE_KEY_PATH - RSA private key PEM used to sign the handshake
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/cryptostream/internal/config"
	"github.com/rickgao/cryptostream/internal/feed"
	"github.com/rickgao/cryptostream/internal/stream"
	"github.com/rickgao/cryptostream/internal/subscription"
	"github.com/rickgao/cryptostream/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	url := flag.String("url", "", "stream endpoint (overrides config)")
	channels := flag.String("channels", "", "comma-separated channels to subscribe (overrides config)")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	verbose := flag.Bool("verbose", false, "print full message payloads")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := newLogger(*logFormat)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Stream.URL = *url
	}
	if *channels != "" {
		cfg.Stream.Channels = splitChannels(*channels)
	}
	if cfg.Stream.APIKey == "" {
		cfg.Stream.APIKey = os.Getenv("STREAM_API_KEY")
	}
	if cfg.Stream.PrivateKeyPath == "" {
		cfg.Stream.PrivateKeyPath = os.Getenv("STREAM_PRIVATE_KEY_PATH")
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	mgr, err := feed.NewManager(cfg.Stream, logger)
	if err != nil {
		logger.Error("failed to create stream manager", "error", err)
		os.Exit(1)
	}

	subs := subscription.New(mgr, cfg.Stream.Channels,
		subscription.WithLogger(logger),
		subscription.WithOnSubscribed(func(channel string) {
			fmt.Printf("[SUBSCRIBED] %s\n", channel)
		}),
		subscription.WithOnSubscriptionError(func(channel string, err error) {
			fmt.Printf("[REJECTED] %s: %v\n", channel, err)
		}),
	)
	defer subs.Close()

	mgr.AddObserver(stream.ObserverFuncs{
		StateChange: func(from, to stream.State) {
			fmt.Printf("[STATE] %s -> %s\n", from, to)
		},
		Message: func(msg stream.Message) {
			printMessage(msg, *verbose)
		},
		Error: func(err error) {
			fmt.Printf("[ERROR] %v\n", err)
			var se *stream.Error
			if errors.As(err, &se) && se.Terminal() {
				cancel()
			}
		},
	})

	if err := mgr.Start(feed.StreamConfig(cfg.Stream)); err != nil {
		logger.Error("failed to start stream", "error", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("stats",
					"state", stats.State,
					"attempts", stats.Attempts,
					"frames_received", stats.FramesReceived,
					"messages_forwarded", stats.MessagesForwarded,
					"pings_sent", stats.PingsSent,
					"pongs_received", stats.PongsReceived,
					"active", len(subs.Active()),
					"pending", len(subs.Pending()),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop",
		"url", cfg.Stream.URL,
		"channels", len(cfg.Stream.Channels),
		"session", mgr.SessionID(),
	)

	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Stop()
	logger.Info("shutdown complete", "exhausted", mgr.Exhausted())
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadWithDefaults(path)
	}
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg, nil
}

func splitChannels(s string) []string {
	var out []string
	for _, ch := range strings.Split(s, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func printMessage(msg stream.Message, verbose bool) {
	ts := msg.ReceivedAt.Format("15:04:05.000")
	switch {
	case msg.Binary:
		fmt.Printf("%s [BINARY] %d bytes\n", ts, len(msg.Data))
	case verbose:
		fmt.Printf("%s [%s] %s\n", ts, strings.ToUpper(msg.Type), msg.Data)
	default:
		fmt.Printf("%s [%s] channel=%s size=%d\n", ts, strings.ToUpper(msg.Type), msg.Channel, len(msg.Data))
	}
}
