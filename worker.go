package sockbridge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"syscall"
	"unicode"
	"unicode/utf8"

	"github.com/sockbridge/golang/internal/jsoncodec"
)

// HandlerFunc handles one call. payload is the undecoded JSON argument; the
// returned value is encoded as the response body.
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Worker is the serving side of the protocol. Functions are registered with
// Handle, or discovered as exported methods of the value passed to SetSelf.
//
//	type MathWorker struct {
//	    *sockbridge.Worker
//	}
//
//	func (w *MathWorker) Add(args AddArgs) (AddResult, error) { ... }
//
//	worker := &MathWorker{Worker: sockbridge.NewWorker()}
//	worker.SetSelf(worker)
//	if err := worker.Run(); err != nil { ... }
type Worker struct {
	// ServiceID registers the worker in the service registry when Run is
	// started without --addr
	ServiceID string
	// Stdout receives the readiness token, default os.Stdout
	Stdout io.Writer
	Logger *slog.Logger

	// self holds a reference to the outer struct (for method dispatch)
	self any

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener
	addr     string
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker with no functions registered
func NewWorker() *Worker {
	return &Worker{
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// NewWorkerWithService creates a Worker that registers itself under serviceID
func NewWorkerWithService(serviceID string) *Worker {
	w := NewWorker()
	w.ServiceID = serviceID
	return w
}

// SetSelf sets a reference to the outer struct for method dispatch.
// This must be called before Run when embedding Worker.
func (w *Worker) SetSelf(self any) {
	w.self = self
}

// Handle registers fn under name. Explicit handlers take precedence over
// methods discovered through SetSelf.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger.With("component", "worker")
	}
	return slog.Default().With("component", "worker")
}

// Listen binds the Unix socket at addr and announces readiness by writing the
// ACK token to Stdout. A stale socket file left at addr is removed first.
func (w *Worker) Listen(addr string) error {
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", addr, err)
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	w.mu.Lock()
	w.listener = ln
	w.addr = addr
	w.mu.Unlock()

	stdout := w.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	if _, err := fmt.Fprintln(stdout, AckToken); err != nil {
		ln.Close()
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	return nil
}

// Serve accepts connections until ctx is done or Stop is called. Every call
// runs on its own goroutine; responses on a connection are written whole.
func (w *Worker) Serve(ctx context.Context) error {
	w.mu.RLock()
	ln := w.listener
	w.mu.RUnlock()
	if ln == nil {
		return errors.New("worker is not listening")
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-w.done:
				w.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !w.track(conn) {
			conn.Close()
			continue
		}
		w.wg.Add(1)
		go w.serveConn(ctx, conn)
	}
}

func (w *Worker) track(conn net.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return false
	default:
	}
	w.conns[conn] = struct{}{}
	return true
}

func (w *Worker) untrack(conn net.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.conns, conn)
}

func (w *Worker) serveConn(ctx context.Context, conn net.Conn) {
	defer w.wg.Done()
	defer w.untrack(conn)
	defer conn.Close()

	logger := w.logger()
	var (
		writeMu sync.Mutex
		calls   sync.WaitGroup
	)

	for frame, err := range Frames(conn, FrameDelimiter) {
		if err != nil {
			logger.Debug("connection read ended", "error", err)
			break
		}
		if frame == "" {
			continue
		}

		req, err := ParseCall(frame)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		calls.Add(1)
		go func() {
			defer calls.Done()
			resp := w.respond(ctx, req)
			if resp == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := conn.Write(resp); err != nil {
				logger.Debug("failed to write response", "id", req.ID, "error", err)
			}
		}()
	}

	calls.Wait()
}

// respond runs a call and encodes its response frame
func (w *Worker) respond(ctx context.Context, req Request) []byte {
	logger := w.logger()

	result, err := w.invoke(ctx, req)
	if err != nil {
		logger.Debug("call failed", "id", req.ID, "function", req.Function, "error", err)
		result = map[string]any{ErrorField: err.Error()}
	}

	resp, err := EncodeResponse(req.ID, result)
	if err != nil {
		logger.Error("failed to encode response", "id", req.ID, "error", err)
		resp, err = EncodeResponse(req.ID, map[string]any{ErrorField: err.Error()})
		if err != nil {
			return nil
		}
	}
	return resp
}

func (w *Worker) invoke(ctx context.Context, req Request) (result any, err error) {
	handler, err := w.lookup(req.Function)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function '%s' panicked: %v", req.Function, r)
		}
	}()
	return handler(ctx, req.Payload)
}

// lookup resolves a function name to a handler. Method names are matched
// exactly, then with their first letter upper-cased so lowerCamel names
// reach exported Go methods.
func (w *Worker) lookup(name string) (HandlerFunc, error) {
	w.mu.RLock()
	handler, ok := w.handlers[name]
	w.mu.RUnlock()
	if ok {
		return handler, nil
	}

	if w.self == nil || isBaseMethod(name) {
		return nil, fmt.Errorf("function '%s' not found", name)
	}

	target := reflect.ValueOf(w.self)
	method := target.MethodByName(name)
	if !method.IsValid() {
		if exported := exportedName(name); exported != name && !isBaseMethod(exported) {
			method = target.MethodByName(exported)
		}
	}
	if !method.IsValid() {
		return nil, fmt.Errorf("function '%s' not found", name)
	}
	return methodHandler(name, method)
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// methodHandler adapts a method with one of the accepted shapes:
// an optional leading context.Context, at most one argument, and results
// (R, error), R, error or nothing.
func methodHandler(name string, method reflect.Value) (HandlerFunc, error) {
	mt := method.Type()

	in := 0
	withContext := mt.NumIn() > 0 && mt.In(0) == contextType
	if withContext {
		in = 1
	}
	var argType reflect.Type
	switch mt.NumIn() - in {
	case 0:
	case 1:
		argType = mt.In(in)
	default:
		return nil, fmt.Errorf("function '%s' takes %d arguments, at most one is supported", name, mt.NumIn()-in)
	}

	returnsErr := mt.NumOut() > 0 && mt.Out(mt.NumOut()-1) == errorType
	if mt.NumOut() > 2 || (mt.NumOut() == 2 && !returnsErr) {
		return nil, fmt.Errorf("function '%s' has an unsupported result signature", name)
	}

	return func(ctx context.Context, payload []byte) (any, error) {
		args := make([]reflect.Value, 0, 2)
		if withContext {
			args = append(args, reflect.ValueOf(ctx))
		}
		if argType != nil {
			arg := reflect.New(argType)
			if len(payload) > 0 {
				if err := jsoncodec.Unmarshal(payload, arg.Interface()); err != nil {
					return nil, fmt.Errorf("invalid argument for '%s': %w", name, err)
				}
			}
			args = append(args, arg.Elem())
		}

		results := method.Call(args)

		var err error
		if returnsErr {
			if e := results[len(results)-1]; !e.IsNil() {
				err = e.Interface().(error)
			}
			results = results[:len(results)-1]
		}
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		return results[0].Interface(), nil
	}, nil
}

// ListFunctions returns the callable function names, sorted
func (w *Worker) ListFunctions() []string {
	seen := make(map[string]bool)

	w.mu.RLock()
	for name := range w.handlers {
		seen[name] = true
	}
	w.mu.RUnlock()

	if w.self != nil {
		t := reflect.TypeOf(w.self)
		for i := 0; i < t.NumMethod(); i++ {
			name := t.Method(i).Name
			if !isBaseMethod(name) {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var baseMethods = func() map[string]bool {
	names := make(map[string]bool)
	t := reflect.TypeOf((*Worker)(nil))
	for i := 0; i < t.NumMethod(); i++ {
		names[t.Method(i).Name] = true
	}
	return names
}()

// isBaseMethod checks if a method is promoted from Worker itself
func isBaseMethod(name string) bool {
	return baseMethods[name]
}

// Run parses --addr from the command line, then listens and serves until
// SIGINT or SIGTERM
func (w *Worker) Run() error {
	return w.RunArgs(os.Args[1:])
}

// RunArgs is Run with an explicit argument list. Without --addr the worker
// needs a ServiceID: it listens on a socket in the temp dir and registers it.
func (w *Worker) RunArgs(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "", "unix socket path to listen on")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	if *addr == "" {
		if w.ServiceID == "" {
			return errors.New("need --addr flag or ServiceID")
		}
		*addr = filepath.Join(os.TempDir(), "sockbridge-"+w.ServiceID+".sock")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Listen(*addr); err != nil {
		return err
	}

	if w.ServiceID != "" {
		if err := Register(w.ServiceID, *addr); err != nil {
			w.Stop()
			return fmt.Errorf("failed to register service: %w", err)
		}
		w.logger().Info("service registered", "service_id", w.ServiceID, "addr", *addr)
		defer func() {
			if err := Unregister(w.ServiceID); err != nil {
				w.logger().Warn("failed to unregister service", "service_id", w.ServiceID, "error", err)
			}
		}()
	}

	return w.Serve(ctx)
}

// Stop closes the listener and every open connection. In-flight calls finish
// but their responses are dropped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		ln := w.listener
		conns := make([]net.Conn, 0, len(w.conns))
		for conn := range w.conns {
			conns = append(conns, conn)
		}
		w.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}
	})
}

// Addr returns the socket path once Listen succeeded
func (w *Worker) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr
}

// Done returns a channel that closes when the worker stops
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
