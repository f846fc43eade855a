package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/busytex/internal/protocol"
)

// Compile-time interface satisfaction check.
var _ Transport = (*Channel)(nil)

// Channel is a message-channel transport to an engine host.
//
// Every request gets a fresh correlation ID and its own pending entry. A single
// dispatch goroutine reads responses and resolves entries by ID, so concurrent
// requests never steal each other's answers, and a response that arrives after
// its request gave up (timeout, cancellation) is discarded.
type Channel struct {
	conn    io.ReadWriteCloser
	reader  io.Reader
	onClose func() error
	logger  *slog.Logger

	// writeMu serializes frames on conn.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*call
	readErr error

	nextID    atomic.Uint64
	done      chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// call is one pending request.
type call struct {
	final    chan protocol.Response
	progress ProgressFunc

	// mu orders print delivery against abandon: once abandon returns, no
	// progress callback is running or will run for this call.
	mu        sync.Mutex
	abandoned bool
}

func (cl *call) print(line string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.abandoned || cl.progress == nil {
		return
	}
	cl.progress(line)
}

func (cl *call) abandon() {
	cl.mu.Lock()
	cl.abandoned = true
	cl.mu.Unlock()
}

// NewChannel starts a channel over conn. onClose, if set, runs after conn is
// closed by Terminate (for example to reap a worker process).
func NewChannel(conn io.ReadWriteCloser, onClose func() error, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		onClose: onClose,
		logger:  logger,
		pending: make(map[uint64]*call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Initialize sends the init message and waits for the initialized marker.
func (c *Channel) Initialize(ctx context.Context, msg protocol.InitMessage, progress ProgressFunc) (map[string]string, error) {
	resp, err := c.roundTrip(ctx, protocol.Request{Type: protocol.TypeInit, Init: &msg}, progress)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case protocol.TypeInitialized:
		if resp.Initialized == nil {
			return map[string]string{}, nil
		}
		return resp.Initialized, nil
	case protocol.TypeException:
		return nil, &protocol.EngineException{Message: resp.Exception}
	default:
		return nil, fmt.Errorf("unexpected %q response to init", resp.Type)
	}
}

// Compile sends a compile message and waits for its result.
func (c *Channel) Compile(ctx context.Context, msg protocol.CompileMessage, progress ProgressFunc) (protocol.CompileOutput, error) {
	resp, err := c.roundTrip(ctx, protocol.Request{Type: protocol.TypeCompile, Compile: &msg}, progress)
	if err != nil {
		return protocol.CompileOutput{}, err
	}

	switch resp.Type {
	case protocol.TypeResult:
		if resp.Result == nil {
			return protocol.CompileOutput{}, fmt.Errorf("result message without result")
		}
		return *resp.Result, nil
	case protocol.TypeException:
		return protocol.CompileOutput{}, &protocol.EngineException{Message: resp.Exception}
	default:
		return protocol.CompileOutput{}, fmt.Errorf("unexpected %q response to compile", resp.Type)
	}
}

// Terminate closes the connection and fails every pending request with ErrClosed.
func (c *Channel) Terminate() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.fail(ErrClosed)
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// Done is closed once the channel can no longer deliver responses.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// roundTrip registers a pending call, sends req and waits for the call's final
// response, the caller's context, or the channel going away.
func (c *Channel) roundTrip(ctx context.Context, req protocol.Request, progress ProgressFunc) (protocol.Response, error) {
	req.ID = c.nextID.Add(1)
	cl := &call{final: make(chan protocol.Response, 1), progress: progress}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return protocol.Response{}, c.closedErr()
	default:
	}
	c.pending[req.ID] = cl
	pendingRequests.Inc()
	c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.forget(req.ID, cl)
		return protocol.Response{}, err
	}

	select {
	case resp := <-cl.final:
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID, cl)
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		c.forget(req.ID, cl)
		return protocol.Response{}, c.closedErr()
	}
}

// send writes req without letting a stalled peer outlive ctx. A write left
// blocked by an expired context finishes or fails when the conn is closed.
func (c *Channel) send(ctx context.Context, req protocol.Request) error {
	errCh := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		errCh <- protocol.WriteMessage(c.conn, &req)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send %s request: %w", req.Type, err)
		}
		messagesSent.WithLabelValues(req.Type).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// readLoop dispatches responses to pending calls until the connection fails.
func (c *Channel) readLoop() {
	for {
		var resp protocol.Response
		if err := protocol.ReadMessage(c.reader, &resp); err != nil {
			c.fail(err)
			return
		}
		messagesReceived.WithLabelValues(resp.Type).Inc()

		c.mu.Lock()
		cl, ok := c.pending[resp.ID]
		if ok && resp.Final() {
			delete(c.pending, resp.ID)
			pendingRequests.Dec()
		}
		c.mu.Unlock()

		if !ok {
			staleResponses.Inc()
			c.logger.Debug("discarding response for request no longer pending",
				"request_id", resp.ID,
				"type", resp.Type,
			)
			continue
		}

		if !resp.Final() {
			cl.print(resp.Print)
			continue
		}
		cl.final <- resp
	}
}

// forget drops a pending call so that a late response is treated as stale,
// and waits out any print being delivered to it.
func (c *Channel) forget(id uint64, cl *call) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pendingRequests.Dec()
	}
	c.mu.Unlock()
	cl.abandon()
}

// fail records the first terminal error and wakes every waiter.
func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		close(c.done)
		c.mu.Unlock()
	})
}

func (c *Channel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil || c.readErr == ErrClosed {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
}
