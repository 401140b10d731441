package sockbridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for creating a Client.
//
// Exactly one of ExecutablePath (spawn mode), Address or ServiceID (connect
// mode) must be set.
type Config struct {
	// ExecutablePath is the worker binary. With DevMode it is a single .go
	// source file started through `go run`.
	ExecutablePath string
	DevMode        bool

	// Address connects to an already running worker socket
	Address string
	// ServiceID discovers a running worker through the service registry
	ServiceID string

	// IDGenerator overrides the correlation id source. Defaults to random
	// alphanumeric ids of DefaultIDLength characters.
	IDGenerator IDGenerator

	// Spawn options
	Args      []string
	Env       []string
	SocketDir string
	GoCommand string
	Stdout    io.Writer
	Stderr    io.Writer

	StopTimeout      time.Duration
	DiscoveryTimeout time.Duration

	EnableMetrics     bool
	MaxLatencySamples int

	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// Validate checks that the configuration selects exactly one way of reaching
// a worker and that durations are sane
func (c *Config) Validate() error {
	var errs []error

	modes := 0
	for _, v := range []string{c.ExecutablePath, c.Address, c.ServiceID} {
		if v != "" {
			modes++
		}
	}
	switch {
	case modes == 0:
		errs = append(errs, errors.New("one of ExecutablePath, Address or ServiceID is required"))
	case modes > 1:
		errs = append(errs, errors.New("ExecutablePath, Address and ServiceID are mutually exclusive"))
	}

	if c.DevMode {
		if c.ExecutablePath == "" {
			errs = append(errs, errors.New("DevMode requires ExecutablePath"))
		} else if filepath.Ext(c.ExecutablePath) != ".go" {
			errs = append(errs, fmt.Errorf("DevMode only supports a single .go file, got %q", c.ExecutablePath))
		}
	}

	if c.StopTimeout < 0 {
		errs = append(errs, errors.New("StopTimeout cannot be negative"))
	}
	if c.DiscoveryTimeout < 0 {
		errs = append(errs, errors.New("DiscoveryTimeout cannot be negative"))
	}
	if c.MaxLatencySamples < 0 {
		errs = append(errs, errors.New("MaxLatencySamples cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) spawnMode() SpawnMode {
	if c.DevMode {
		return SpawnSource
	}
	return SpawnExecutable
}
