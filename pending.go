package sockbridge

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Call is the completion handle of one outstanding request. It is settled
// exactly once, by whoever removes it from PendingCalls.
type Call struct {
	ID       string
	Function string

	done   chan struct{}
	result any
	err    error

	started time.Time
	span    trace.Span
}

func newCall(id, function string) *Call {
	return &Call{
		ID:       id,
		Function: function,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
}

// Done is closed once the call has settled
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done. A cancelled context only
// stops waiting; see Client.Call for abandoning the request itself.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a settled call. It must only be called after
// Done is closed.
func (c *Call) Result() (any, error) {
	return c.result, c.err
}

func (c *Call) complete(result any, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// PendingCalls correlates responses with outstanding calls by id
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewPendingCalls creates an empty registry
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]*Call)}
}

// Register adds a call under id. It fails with ErrDuplicateID while another
// call with the same id is still pending.
func (p *PendingCalls) Register(id, function string) (*Call, error) {
	call := newCall(id, function)
	if err := p.add(call); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *PendingCalls) add(call *Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[call.ID]; exists {
		return ErrDuplicateID
	}
	p.calls[call.ID] = call
	return nil
}

// Settle completes the call matching msg.ID and removes it. Responses with
// an error property reject the call with a *RemoteCallError, everything else
// resolves it with msg.Data. Unknown ids are ignored and reported with false.
func (p *PendingCalls) Settle(msg Message) (*Call, bool) {
	call := p.Remove(msg.ID)
	if call == nil {
		return nil, false
	}

	if errValue, isErr := ErrorValue(msg.Data); isErr {
		call.complete(nil, &RemoteCallError{ID: msg.ID, Value: errValue})
	} else {
		call.complete(msg.Data, nil)
	}
	return call, true
}

// Remove takes the call out of the registry without settling it. The caller
// becomes responsible for completing it.
func (p *PendingCalls) Remove(id string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, exists := p.calls[id]
	if !exists {
		return nil
	}
	delete(p.calls, id)
	return call
}

// FailAll rejects every pending call with err and empties the registry
func (p *PendingCalls) FailAll(err error) []*Call {
	p.mu.Lock()
	calls := make([]*Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	return calls
}

// Len returns the number of outstanding calls
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
