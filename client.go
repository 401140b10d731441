package sockbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sockbridge/golang"

// maxIDAttempts bounds id regeneration when the generator hands out an id
// that is still pending
const maxIDAttempts = 8

// State is the lifecycle state of a Client
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateReady
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client calls functions inside a worker process over its Unix socket.
// All methods are safe for concurrent use.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	idgen      IDGenerator
	pending    *PendingCalls
	metrics    *Metrics
	supervisor *Supervisor

	mu    sync.Mutex
	state State
	conn  net.Conn
	addr  string

	writeMu    sync.Mutex
	readClosed atomic.Bool
	readDone   chan struct{}
}

// New creates a Client. Nothing is spawned or dialed until Start.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = NewRandomIDGenerator(DefaultIDLength, DefaultCharset)
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = DiscoveryTimeout
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "client"),
		tracer:   cfg.TracerProvider.Tracer(tracerName, trace.WithInstrumentationVersion(Version)),
		idgen:    cfg.IDGenerator,
		pending:  NewPendingCalls(),
		readDone: make(chan struct{}),
	}
	if cfg.EnableMetrics {
		c.metrics = NewMetrics(cfg.MaxLatencySamples)
	}
	if cfg.ExecutablePath != "" {
		c.supervisor = NewSupervisor(SupervisorConfig{
			Path:        cfg.ExecutablePath,
			Mode:        cfg.spawnMode(),
			GoCommand:   cfg.GoCommand,
			Args:        cfg.Args,
			Env:         cfg.Env,
			SocketDir:   cfg.SocketDir,
			IDGenerator: cfg.IDGenerator,
			Stdout:      cfg.Stdout,
			Stderr:      cfg.Stderr,
			StopTimeout: cfg.StopTimeout,
			Logger:      cfg.Logger,
		})
	}
	return c, nil
}

// Spawn creates a Client that owns a worker started from path. Pass extra
// settings through New when the defaults do not fit.
func Spawn(path string) (*Client, error) {
	return New(Config{ExecutablePath: path})
}

// Connect discovers serviceID in the service registry and returns a started
// Client connected to it
func Connect(ctx context.Context, serviceID string, timeout ...time.Duration) (*Client, error) {
	cfg := Config{ServiceID: serviceID}
	if len(timeout) > 0 {
		cfg.DiscoveryTimeout = timeout[0]
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start spawns (or locates) the worker, connects to it and starts reading
// responses. ctx bounds the startup only.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateStarting
	c.mu.Unlock()

	addr, err := c.resolveAddr(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	conn, err := Dial(ctx, addr)
	if err != nil {
		if c.supervisor != nil {
			_ = c.supervisor.Kill()
		}
		c.setState(StateFailed)
		return err
	}

	c.attach(conn, addr)
	c.logger.Debug("client ready", "addr", addr)
	return nil
}

func (c *Client) resolveAddr(ctx context.Context) (string, error) {
	switch {
	case c.supervisor != nil:
		return c.supervisor.Start(ctx)
	case c.cfg.Address != "":
		return c.cfg.Address, nil
	default:
		addr, err := Discover(c.cfg.ServiceID, c.cfg.DiscoveryTimeout)
		if err != nil {
			return "", fmt.Errorf("failed to discover service '%s': %w", c.cfg.ServiceID, err)
		}
		return addr, nil
	}
}

// attach makes conn the client's transport and starts the read loop
func (c *Client) attach(conn net.Conn, addr string) {
	c.mu.Lock()
	c.conn = conn
	c.addr = addr
	c.state = StateReady
	c.mu.Unlock()

	go c.readLoop(conn)
}

func (c *Client) readLoop(conn net.Conn) {
	defer close(c.readDone)

	var readErr error
	for frame, err := range Frames(conn, FrameDelimiter) {
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(frame)
	}

	cause := ErrClosed
	if c.State() == StateReady {
		c.logger.Warn("worker connection closed unexpectedly", "addr", c.Addr(), "error", readErr)
		if readErr != nil {
			cause = fmt.Errorf("%w: %w", ErrClosed, readErr)
		}
	}

	c.readClosed.Store(true)
	for _, call := range c.pending.FailAll(cause) {
		c.finish(call)
	}
}

func (c *Client) dispatch(frame string) {
	if frame == "" {
		return
	}

	msg := ParseMessage(frame)
	if msg.Raw {
		c.logger.Debug("response payload is not JSON, delivering raw text", "id", msg.ID)
		if c.metrics != nil {
			c.metrics.RecordDecodeAnomaly()
		}
	}

	call, ok := c.pending.Settle(msg)
	if !ok {
		c.logger.Debug("dropping response for unknown id", "id", msg.ID)
		if c.metrics != nil {
			c.metrics.RecordOrphanResponse()
		}
		return
	}
	c.finish(call)
}

// Go issues a call and returns its completion handle without waiting.
// ctx is only used as the parent of the call's trace span.
func (c *Client) Go(ctx context.Context, function string, payload any) (*Call, error) {
	conn, err := c.readyConn()
	if err != nil {
		return nil, err
	}
	if function == "" || strings.ContainsAny(function, FieldDelimiter+string(FrameDelimiter)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFunction, function)
	}

	_, span := c.tracer.Start(ctx, "sockbridge.call "+function,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "sockbridge"),
			attribute.String("rpc.method", function),
		),
	)

	// The call is registered before its frame is written so a fast response
	// always finds it.
	call, err := c.register(function, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	frame, err := EncodeCall(call.ID, function, payload)
	if err != nil {
		c.abandon(call.ID, err)
		return nil, err
	}

	c.writeMu.Lock()
	_, err = conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("failed to send call '%s': %w", function, err)
		c.abandon(call.ID, err)
		return nil, err
	}

	// The read loop may have ended between readyConn and registration.
	if c.readClosed.Load() {
		c.abandon(call.ID, ErrClosed)
	}
	return call, nil
}

// Call issues a call and waits for its result. If ctx is done first the call
// is abandoned: its registry entry is removed and a late response is dropped.
func (c *Client) Call(ctx context.Context, function string, payload any) (any, error) {
	call, err := c.Go(ctx, function, payload)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		c.abandon(call.ID, ctx.Err())
		<-call.Done()
	}
	return call.Result()
}

// CallWithTimeout is Call bounded by timeout
func (c *Client) CallWithTimeout(ctx context.Context, function string, timeout time.Duration, payload any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Call(ctx, function, payload)
}

func (c *Client) register(function string, span trace.Span) (*Call, error) {
	if c.metrics != nil {
		c.metrics.StartRequest()
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		call := newCall(c.idgen.Next(), function)
		call.span = span
		if err := validateID(call.ID); err != nil {
			c.endFailedRequest()
			return nil, err
		}
		err := c.pending.add(call)
		if errors.Is(err, ErrDuplicateID) {
			c.logger.Debug("correlation id still pending, regenerating", "id", call.ID)
			continue
		}
		span.SetAttributes(attribute.String("sockbridge.correlation_id", call.ID))
		return call, nil
	}

	c.endFailedRequest()
	return nil, fmt.Errorf("%w after %d attempts", ErrDuplicateID, maxIDAttempts)
}

func (c *Client) endFailedRequest() {
	if c.metrics != nil {
		c.metrics.EndRequest(time.Now(), false)
	}
}

// abandon settles a still pending call with err
func (c *Client) abandon(id string, err error) {
	call := c.pending.Remove(id)
	if call == nil {
		return
	}
	call.complete(nil, err)
	c.finish(call)
}

// finish records the outcome of a settled call
func (c *Client) finish(call *Call) {
	_, err := call.Result()
	if c.metrics != nil {
		c.metrics.EndRequest(call.started, err == nil)
	}
	if call.span != nil {
		if err != nil {
			call.span.RecordError(err)
			call.span.SetStatus(codes.Error, err.Error())
		}
		call.span.End()
	}
}

func (c *Client) readyConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, c.state)
	}
	if c.readClosed.Load() {
		return nil, ErrClosed
	}
	return c.conn, nil
}

// Stop closes the connection, then interrupts the worker. Calls still pending
// fail with ErrClosed. Stop on a client that is not ready is a no-op.
func (c *Client) Stop() error {
	return c.shutdown(false)
}

// Kill is Stop with an immediate forced kill of the worker
func (c *Client) Kill() error {
	return c.shutdown(true)
}

func (c *Client) shutdown(force bool) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	conn := c.conn
	c.mu.Unlock()

	var errs []error
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	if c.supervisor != nil {
		stop := c.supervisor.Stop
		if force {
			stop = c.supervisor.Kill
		}
		if err := stop(); err != nil {
			errs = append(errs, err)
		}
	}

	<-c.readDone
	return errors.Join(errs...)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the socket address once the client is connected
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Metrics returns the call metrics, or nil when EnableMetrics is off
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Pending returns the number of calls awaiting a response
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Done is closed when the read loop has ended, after Stop or when the worker
// closed the connection
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}
