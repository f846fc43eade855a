package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connecting to a remote engine host.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// workerShutdownTimeout is how long a worker process gets to exit after its
// stdin is closed before it is killed.
const workerShutdownTimeout = 3 * time.Second

// Address networks understood by ParseAddr.
const (
	NetworkUnix  = "unix"
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

// Addr is a parsed engine host address.
//
//	unix:/run/busytex.sock
//	tcp:127.0.0.1:7070
//	vsock:3:1024   (context ID and port; the listening side may give the port only)
type Addr struct {
	Network string
	Address string
	CID     uint32
	Port    uint32
}

func (a Addr) String() string {
	if a.Network == NetworkVsock {
		if a.CID == 0 {
			return fmt.Sprintf("vsock:%d", a.Port)
		}
		return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port)
	}
	return a.Network + ":" + a.Address
}

// ParseAddr parses "network:address".
func ParseAddr(s string) (Addr, error) {
	network, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Addr{}, fmt.Errorf("invalid engine address %q: want network:address", s)
	}

	switch network {
	case NetworkUnix, NetworkTCP:
		return Addr{Network: network, Address: rest}, nil
	case NetworkVsock:
		cidStr, portStr, hasCID := strings.Cut(rest, ":")
		if !hasCID {
			portStr, cidStr = cidStr, ""
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock port in %q: %w", s, err)
		}
		addr := Addr{Network: NetworkVsock, Port: uint32(port)}
		if cidStr != "" {
			cid, err := strconv.ParseUint(cidStr, 10, 32)
			if err != nil {
				return Addr{}, fmt.Errorf("invalid vsock context ID in %q: %w", s, err)
			}
			addr.CID = uint32(cid)
		}
		return addr, nil
	default:
		return Addr{}, fmt.Errorf("unsupported engine address network %q", network)
	}
}

// Dial connects to a remote engine host and returns a Channel over the connection.
// Retries with exponential backoff on connection failure.
func Dial(ctx context.Context, addr Addr, logger *slog.Logger) (*Channel, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial engine host: %w", ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial engine host: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		logger.Debug("connected to engine host", "addr", addr.String())
		return NewChannel(conn, nil, logger), nil
	}

	return nil, fmt.Errorf("dial engine host %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, addr Addr) (net.Conn, error) {
	switch addr.Network {
	case NetworkVsock:
		if addr.CID == 0 {
			return nil, errors.New("vsock dial needs a context ID")
		}
		return vsock.Dial(addr.CID, addr.Port, nil)
	default:
		dialer := net.Dialer{}
		return dialer.DialContext(ctx, addr.Network, addr.Address)
	}
}

// Listen opens a listener for an engine host.
func Listen(addr Addr) (net.Listener, error) {
	switch addr.Network {
	case NetworkVsock:
		return vsock.Listen(addr.Port, nil)
	default:
		return net.Listen(addr.Network, addr.Address)
	}
}

// pipeConn joins a worker's stdout and stdin into one stream.
// eofReader closes done once the underlying reader fails or ends.
type eofReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil {
		e.once.Do(func() { close(e.done) })
	}
	return n, err
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// Spawn starts a worker process that speaks the protocol on stdin/stdout and
// returns a Channel to it. The worker's stderr is forwarded to logger.
// Terminate closes stdin and reaps the process, killing it if it lingers.
func Spawn(command []string, logger *slog.Logger) (*Channel, error) {
	if len(command) == 0 {
		return nil, errors.New("empty worker command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", command[0], err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid, "command", strings.Join(command, " "))

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("worker", "pid", cmd.Process.Pid, "line", scanner.Text())
		}
	}()
	out := &eofReader{r: stdout, done: make(chan struct{})}

	// Wait must not run while the channel or the stderr logger still read the
	// pipes, so reap waits for both to reach EOF first.
	reap := func() error {
		drained := make(chan struct{})
		go func() {
			<-out.done
			<-stderrDone
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(workerShutdownTimeout):
			logger.Warn("worker did not exit, killing", "pid", cmd.Process.Pid)
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill worker: %w", err)
			}
		}
		if err := cmd.Wait(); err != nil {
			logger.Debug("worker exited", "pid", cmd.Process.Pid, "error", err)
		}
		return nil
	}

	return NewChannel(pipeConn{Reader: out, WriteCloser: stdin}, reap, logger), nil
}
