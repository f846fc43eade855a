// Package enginehost serves a pipeline over the framed message protocol. It is
// what runs at the far end of a worker channel: as a subprocess on
// stdin/stdout, or behind a unix, TCP or vsock listener.
package enginehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/busytex/internal/pipeline"
	"github.com/seantiz/busytex/internal/protocol"
)

// requestQueueSize bounds requests read ahead of the one being processed.
const requestQueueSize = 64

// Factory creates the pipeline for one connection.
type Factory func() pipeline.Pipeline

// Host answers protocol requests. Each connection gets its own pipeline and
// processes its requests one at a time, in arrival order.
type Host struct {
	newPipeline Factory
	logger      *slog.Logger
}

// New creates a host that builds a pipeline per connection with newPipeline.
func New(newPipeline Factory, logger *slog.Logger) *Host {
	return &Host{newPipeline: newPipeline, logger: logger}
}

// Serve accepts connections and serves each in its own goroutine. It blocks
// until the listener is closed.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := h.ServeConn(ctx, conn); err != nil {
				h.logger.Error("serve connection", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// connState is the per-connection write side.
type connState struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	logger  *slog.Logger
}

func (s *connState) send(resp protocol.Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteMessage(s.conn, &resp); err != nil {
		s.logger.Debug("write response", "request_id", resp.ID, "type", resp.Type, "error", err)
	}
}

// ServeConn serves requests on conn until the peer closes it or ctx ends.
// Closing the connection cancels the request in progress.
func (h *Host) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := h.newPipeline()
	defer func() {
		if err := p.Terminate(); err != nil {
			h.logger.Warn("terminate pipeline", "error", err)
		}
	}()

	state := &connState{conn: conn, logger: h.logger}
	queue := make(chan protocol.Request, requestQueueSize)

	var readErr error
	go func() {
		defer close(queue)
		defer cancel()
		for {
			var req protocol.Request
			if err := protocol.ReadMessage(conn, &req); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
					readErr = err
				}
				return
			}
			select {
			case queue <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for req := range queue {
		h.handle(ctx, p, state, req)
	}

	// queue is closed only after the reader goroutine stored readErr.
	if readErr != nil {
		return fmt.Errorf("read request: %w", readErr)
	}
	return nil
}

// handle processes one request and writes its final response.
func (h *Host) handle(ctx context.Context, p pipeline.Pipeline, state *connState, req protocol.Request) {
	start := time.Now()
	progress := func(line string) {
		state.send(protocol.Response{ID: req.ID, Type: protocol.TypePrint, Print: line})
	}

	var resp protocol.Response
	switch req.Type {
	case protocol.TypeInit:
		if req.Init == nil {
			resp = exception(req.ID, errors.New("init message without payload"))
			break
		}
		versions, err := p.Init(ctx, *req.Init, progress)
		if err != nil {
			resp = exception(req.ID, err)
			break
		}
		resp = protocol.Response{ID: req.ID, Type: protocol.TypeInitialized, Initialized: versions}

	case protocol.TypeCompile:
		if req.Compile == nil {
			resp = exception(req.ID, errors.New("compile message without payload"))
			break
		}
		out, err := p.Compile(ctx, *req.Compile, progress)
		if err != nil {
			resp = exception(req.ID, err)
			break
		}
		resp = protocol.Response{ID: req.ID, Type: protocol.TypeResult, Result: &out}

	default:
		resp = exception(req.ID, fmt.Errorf("unknown message type %q", req.Type))
	}

	outcome := "ok"
	if resp.Type == protocol.TypeException {
		outcome = "exception"
		h.logger.Warn("request failed", "request_id", req.ID, "type", req.Type, "error", resp.Exception)
	}
	requestsTotal.WithLabelValues(req.Type, outcome).Inc()
	requestDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())

	state.send(resp)
}

func exception(id uint64, err error) protocol.Response {
	return protocol.Response{ID: id, Type: protocol.TypeException, Exception: err.Error()}
}

// StdioConn joins a reader and a writer (a worker's stdin and stdout) into a
// connection for ServeConn.
type StdioConn struct {
	io.Reader
	io.Writer
}

// Close closes whichever halves are closers.
func (c StdioConn) Close() error {
	var errs []error
	if rc, ok := c.Reader.(io.Closer); ok {
		errs = append(errs, rc.Close())
	}
	if wc, ok := c.Writer.(io.Closer); ok {
		errs = append(errs, wc.Close())
	}
	return errors.Join(errs...)
}
