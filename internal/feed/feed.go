// Package feed turns the stream section of the configuration into a
// ready Manager and its dialer.
package feed

import (
	"fmt"
	"log/slog"

	"github.com/rickgao/cryptostream/internal/auth"
	"github.com/rickgao/cryptostream/internal/config"
	"github.com/rickgao/cryptostream/internal/stream"
	"github.com/rickgao/cryptostream/internal/transport"
)

// Dialer builds the WebSocket dialer for cfg. When credentials are
// configured every handshake is signed.
func Dialer(cfg config.StreamConfig, logger *slog.Logger) (*transport.WebSocketDialer, error) {
	wsCfg := transport.DefaultWebSocketConfig()
	if cfg.HandshakeTimeout > 0 {
		wsCfg.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.WriteTimeout > 0 {
		wsCfg.WriteTimeout = cfg.WriteTimeout
	}
	wsCfg.Logger = logger

	if cfg.Authenticated() {
		signer, err := auth.NewSigner(cfg.APIKey, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		wsCfg.HeaderFunc = signer.HeaderFunc()
	}

	return transport.NewWebSocketDialer(wsCfg), nil
}

// StreamConfig maps the YAML stream section onto a Manager config.
func StreamConfig(cfg config.StreamConfig) stream.Config {
	return stream.Config{
		URL:                  cfg.URL,
		Protocols:            cfg.Protocols,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		RetryOnDialError:     cfg.RetryOnDialError,
	}
}

// NewManager builds a Manager for cfg.
func NewManager(cfg config.StreamConfig, logger *slog.Logger) (*stream.Manager, error) {
	dialer, err := Dialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return stream.NewManager(dialer, logger), nil
}
