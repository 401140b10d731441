package sockbridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respondTo(t *testing.T, w *Worker, frame string) Message {
	t.Helper()
	req, err := ParseCall(frame)
	require.NoError(t, err)

	resp := w.respond(context.Background(), req)
	require.NotNil(t, resp)
	require.True(t, strings.HasSuffix(string(resp), "\n"))
	return ParseMessage(strings.TrimSuffix(string(resp), "\n"))
}

func TestWorker_Dispatch(t *testing.T) {
	w := newMathWorker()

	t.Run("method with struct argument", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;add;{"a":2,"b":3}`)
		assert.Equal(t, "x1", msg.ID)
		assert.Equal(t, map[string]any{"result": float64(5)}, msg.Data)
	})

	t.Run("exported name matches too", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;Add;{"a":1,"b":1}`)
		assert.Equal(t, map[string]any{"result": float64(2)}, msg.Data)
	})

	t.Run("returned error becomes the error property", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;fail;"boom"`)
		assert.Equal(t, map[string]any{"error": "boom"}, msg.Data)
	})

	t.Run("nil error responds with null", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;sleep;1`)
		assert.False(t, msg.Raw)
		assert.Nil(t, msg.Data)
	})

	t.Run("any argument", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;echo;[1,"two",{"three":3}]`)
		assert.Equal(t, []any{float64(1), "two", map[string]any{"three": float64(3)}}, msg.Data)
	})

	t.Run("missing payload uses the zero value", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;add`)
		assert.Equal(t, map[string]any{"result": float64(0)}, msg.Data)
	})

	t.Run("unknown function", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;nope;null`)
		assert.Equal(t, map[string]any{"error": "function 'nope' not found"}, msg.Data)
	})

	t.Run("worker methods are not callable", func(t *testing.T) {
		for _, fn := range []string{"stop", "Stop", "run", "listFunctions", "setSelf"} {
			msg := respondTo(t, w.Worker, "x1;"+fn+";null")
			value, isErr := ErrorValue(msg.Data)
			assert.True(t, isErr, fn)
			assert.Contains(t, value, "not found", fn)
		}
	})

	t.Run("invalid argument", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;add;"not an object"`)
		value, isErr := ErrorValue(msg.Data)
		require.True(t, isErr)
		assert.Contains(t, value, "invalid argument for 'add'")
	})

	t.Run("panic is reported", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;explode;null`)
		value, isErr := ErrorValue(msg.Data)
		require.True(t, isErr)
		assert.Contains(t, value, "kaboom")
	})

	t.Run("unsupported signature", func(t *testing.T) {
		msg := respondTo(t, w.Worker, `x1;pair;[1,2]`)
		value, isErr := ErrorValue(msg.Data)
		require.True(t, isErr)
		assert.Contains(t, value, "at most one is supported")
	})
}

func TestWorker_Handle(t *testing.T) {
	t.Run("explicit handler", func(t *testing.T) {
		w := NewWorker()
		w.Handle("upper", func(ctx context.Context, payload []byte) (any, error) {
			return strings.ToUpper(strings.Trim(string(payload), `"`)), nil
		})

		msg := respondTo(t, w, `x1;upper;"abc"`)
		assert.Equal(t, "ABC", msg.Data)
	})

	t.Run("handler takes precedence over methods", func(t *testing.T) {
		w := newMathWorker()
		w.Handle("add", func(ctx context.Context, payload []byte) (any, error) {
			return nil, errors.New("overridden")
		})

		msg := respondTo(t, w.Worker, `x1;add;{"a":1,"b":2}`)
		assert.Equal(t, map[string]any{"error": "overridden"}, msg.Data)
	})

	t.Run("no self and no handlers", func(t *testing.T) {
		msg := respondTo(t, NewWorker(), `x1;add;null`)
		assert.Equal(t, map[string]any{"error": "function 'add' not found"}, msg.Data)
	})
}

func TestWorker_ListFunctions(t *testing.T) {
	w := newMathWorker()
	w.Handle("custom", func(ctx context.Context, payload []byte) (any, error) { return nil, nil })

	functions := w.ListFunctions()
	assert.Contains(t, functions, "Add")
	assert.Contains(t, functions, "Echo")
	assert.Contains(t, functions, "custom")
	for _, base := range []string{"Run", "RunArgs", "Stop", "Listen", "Serve", "Handle", "SetSelf", "ListFunctions", "Done", "Addr"} {
		assert.NotContains(t, functions, base)
	}
	assert.IsIncreasing(t, functions)
}

func TestWorker_Serve(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	t.Run("listen announces readiness and serves calls", func(t *testing.T) {
		addr := filepath.Join(shortTempDir(t), "w.sock")
		w := newMathWorker()
		out := &lockedBuffer{}
		w.Stdout = out
		w.Logger = newTestLogger()

		require.NoError(t, w.Listen(addr))
		assert.Equal(t, AckToken+"\n", out.String())
		assert.Equal(t, addr, w.Addr())

		ctx, cancel := context.WithCancel(context.Background())
		served := make(chan error, 1)
		go func() { served <- w.Serve(ctx) }()

		conn, err := Dial(context.Background(), addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, "x1;sleep;100\nx2;add;{\"a\":2,\"b\":3}\n")
		require.NoError(t, err)

		reader := bufio.NewReader(conn)
		first, err := reader.ReadString('\n')
		require.NoError(t, err)
		second, err := reader.ReadString('\n')
		require.NoError(t, err)

		// calls run concurrently, so the fast one answers first
		assert.Equal(t, "x2;{\"result\":5}\n", first)
		assert.Equal(t, "x1;null\n", second)

		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after cancellation")
		}
		<-w.Done()
	})

	t.Run("malformed frames are skipped", func(t *testing.T) {
		addr := filepath.Join(shortTempDir(t), "w.sock")
		w := newMathWorker()
		w.Stdout = io.Discard
		w.Logger = newTestLogger()
		require.NoError(t, w.Listen(addr))
		go w.Serve(context.Background())
		defer w.Stop()

		conn, err := Dial(context.Background(), addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, "garbage\n\nx1;echo;7\n")
		require.NoError(t, err)

		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "x1;7\n", line)
	})

	t.Run("stop closes open connections", func(t *testing.T) {
		addr := filepath.Join(shortTempDir(t), "w.sock")
		w := newMathWorker()
		w.Stdout = io.Discard
		w.Logger = newTestLogger()
		require.NoError(t, w.Listen(addr))

		served := make(chan error, 1)
		go func() { served <- w.Serve(context.Background()) }()

		conn, err := Dial(context.Background(), addr)
		require.NoError(t, err)
		defer conn.Close()

		// make sure the connection was accepted
		_, err = io.WriteString(conn, "x1;echo;1\n")
		require.NoError(t, err)
		reader := bufio.NewReader(conn)
		_, err = reader.ReadString('\n')
		require.NoError(t, err)

		w.Stop()
		_, err = reader.ReadString('\n')
		assert.ErrorIs(t, err, io.EOF)
		assert.NoError(t, <-served)
	})

	t.Run("stale socket file is replaced", func(t *testing.T) {
		addr := filepath.Join(shortTempDir(t), "w.sock")
		first := NewWorker()
		first.Stdout = io.Discard
		require.NoError(t, first.Listen(addr))
		// simulate a crashed worker leaving its socket behind
		first.listener.(interface{ SetUnlinkOnClose(bool) }).SetUnlinkOnClose(false)
		first.Stop()

		second := NewWorker()
		second.Stdout = io.Discard
		require.NoError(t, second.Listen(addr))
		second.Stop()
	})

	t.Run("serve before listen", func(t *testing.T) {
		assert.Error(t, NewWorker().Serve(context.Background()))
	})
}

func TestWorker_RunArgs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	t.Run("needs an address or service id", func(t *testing.T) {
		err := NewWorker().RunArgs(nil)
		assert.EqualError(t, err, "need --addr flag or ServiceID")
	})

	t.Run("rejects unknown flags", func(t *testing.T) {
		err := NewWorker().RunArgs([]string{"--port", "5555"})
		assert.Error(t, err)
	})

	t.Run("service mode registers and unregisters", func(t *testing.T) {
		t.Setenv(RegistryPathEnv, filepath.Join(shortTempDir(t), "services.json"))

		w := newMathWorker()
		w.ServiceID = "sb-test-" + time.Now().Format("150405.000")
		w.Stdout = io.Discard
		w.Logger = newTestLogger()

		ran := make(chan error, 1)
		go func() { ran <- w.RunArgs(nil) }()

		addr, err := Discover(w.ServiceID, 2*time.Second)
		require.NoError(t, err)

		conn, err := Dial(context.Background(), addr)
		require.NoError(t, err)
		_, err = io.WriteString(conn, "x1;add;{\"a\":1,\"b\":2}\n")
		require.NoError(t, err)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "x1;{\"result\":3}\n", line)
		conn.Close()

		w.Stop()
		require.NoError(t, <-ran)

		services, err := ListServices()
		require.NoError(t, err)
		assert.NotContains(t, services, w.ServiceID)
	})
}
