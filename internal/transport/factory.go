package transport

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
)

// New creates the transport selected by cfg.Kind. in and out are only used
// by the console transport.
func New(cfg config.TransportConfig, in io.Reader, out io.Writer, logger *zap.Logger) (Transport, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemoryTransport(), nil
	case "console", "":
		return NewConsoleTransport(in, out, logger), nil
	case "nats":
		return NewNATSTransport(NATSConfig{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject}, logger)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Kind)
	}
}
