package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/protocol"
	"github.com/seantiz/busytex/internal/transport"
)

// fakeTransport answers from canned values and counts calls.
type fakeTransport struct {
	mu             sync.Mutex
	initCalls      int
	compileCalls   int
	terminateCalls int
	lastInit       protocol.InitMessage
	lastCompile    protocol.CompileMessage

	initErr   error
	compileFn func(ctx context.Context, msg protocol.CompileMessage, progress transport.ProgressFunc) (protocol.CompileOutput, error)
}

func (f *fakeTransport) Initialize(_ context.Context, msg protocol.InitMessage, _ transport.ProgressFunc) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	f.lastInit = msg
	if f.initErr != nil {
		return nil, f.initErr
	}
	return map[string]string{"xetex": "XeTeX 3.141592653"}, nil
}

func (f *fakeTransport) Compile(ctx context.Context, msg protocol.CompileMessage, progress transport.ProgressFunc) (protocol.CompileOutput, error) {
	f.mu.Lock()
	f.compileCalls++
	f.lastCompile = msg
	fn := f.compileFn
	f.mu.Unlock()

	if fn == nil {
		return protocol.CompileOutput{PDF: []byte("%PDF-1.5"), Log: "ok"}, nil
	}
	return fn(ctx, msg, progress)
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCalls++
	return nil
}

func (f *fakeTransport) counts() (inits, compiles, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.compileCalls, f.terminateCalls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newFakeRunner returns a runner whose opener always hands out ft, and a
// pointer to the number of opens.
func newFakeRunner(t *testing.T, cfg Config, ft *fakeTransport) (*Runner, *int) {
	t.Helper()
	opens := 0
	r := New(cfg, discardLogger(), func(context.Context, transport.Mode, Config, *slog.Logger) (transport.Transport, error) {
		opens++
		return ft, nil
	})
	return r, &opens
}

func helloRequest() model.CompileRequest {
	return model.CompileRequest{
		Files:    []model.FileInput{{Path: "main.tex", Content: `\documentclass{article}`}},
		MainPath: "main.tex",
		Driver:   model.DriverPdfTeX,
	}
}

func TestCompileBeforeInitialize(t *testing.T) {
	r, _ := newFakeRunner(t, Config{}, &fakeTransport{})

	_, err := r.Compile(context.Background(), helloRequest())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestInitializeTwiceIsNoop(t *testing.T) {
	ft := &fakeTransport{}
	r, opens := newFakeRunner(t, Config{}, ft)

	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	inits, _, _ := ft.counts()
	assert.Equal(t, 1, inits, "handshake sent more than once")
	assert.Equal(t, 1, *opens)
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, transport.ModeWorker, r.Mode())
	assert.Equal(t, "XeTeX 3.141592653", r.EngineVersions()["xetex"])
}

func TestInitMessageUsesBasePath(t *testing.T) {
	ft := &fakeTransport{}
	r, _ := newFakeRunner(t, Config{BasePath: "https://cdn.example.com/busytex/"}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	msg := ft.lastInit
	base := "https://cdn.example.com/busytex"
	assert.Equal(t, base+"/busytex.js", msg.BusytexJS)
	assert.Equal(t, base+"/busytex.wasm", msg.BusytexWasm)
	assert.Equal(t, []string{base + "/texlive-basic.js", base + "/texlive-extra.js"}, msg.PreloadDataPackages)
	assert.Equal(t, []string{base + "/texlive-basic.js"}, msg.DataPackages)
	assert.Empty(t, msg.TexmfLocal)
	assert.NotNil(t, msg.TexmfLocal)
	assert.True(t, msg.Preload)
	assert.Equal(t, "https://cdn.example.com/busytex/busytex", msg.BusytexBin)
}

func TestTerminateThenCompile(t *testing.T) {
	ft := &fakeTransport{}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	require.NoError(t, r.Terminate())
	require.NoError(t, r.Terminate())
	assert.Equal(t, StateTerminated, r.State())

	_, err := r.Compile(context.Background(), helloRequest())
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, compiles, terminates := ft.counts()
	assert.Zero(t, compiles)
	assert.Equal(t, 1, terminates)
}

func TestInitializeAfterTerminate(t *testing.T) {
	ft := &fakeTransport{}
	r, opens := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))
	require.NoError(t, r.Terminate())

	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, 2, *opens)

	_, err := r.Compile(context.Background(), helloRequest())
	assert.NoError(t, err)
}

func TestModeMismatch(t *testing.T) {
	r, _ := newFakeRunner(t, Config{}, &fakeTransport{})
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	err := r.Initialize(context.Background(), transport.ModeDirect)
	assert.ErrorIs(t, err, ErrModeMismatch)

	require.NoError(t, r.Terminate())
	err = r.Initialize(context.Background(), transport.ModeDirect)
	assert.ErrorIs(t, err, ErrModeMismatch, "mode is bound for the runner's lifetime")
}

func TestSilentEngineHostTimesOut(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	// The host reads the handshake and never answers.
	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		for {
			var req protocol.Request
			if err := protocol.ReadMessage(server, &req); err != nil {
				return
			}
		}
	}()

	r := New(Config{InitTimeout: 50 * time.Millisecond}, discardLogger(),
		func(context.Context, transport.Mode, Config, *slog.Logger) (transport.Transport, error) {
			return transport.NewChannel(client, nil, discardLogger()), nil
		})

	err := r.Initialize(context.Background(), transport.ModeWorker)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, initErr.Timeout)
	assert.Contains(t, err.Error(), "timed out")
	assert.NotEqual(t, StateReady, r.State())

	select {
	case <-hostDone:
	case <-time.After(5 * time.Second):
		t.Fatal("transport not released after init timeout")
	}

	_, err = r.Compile(context.Background(), helloRequest())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeEngineException(t *testing.T) {
	ft := &fakeTransport{initErr: &protocol.EngineException{Message: "failed to fetch texlive-basic.js"}}
	r, _ := newFakeRunner(t, Config{}, ft)

	err := r.Initialize(context.Background(), transport.ModeWorker)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.False(t, initErr.Timeout)

	var exc *EngineException
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, "failed to fetch texlive-basic.js", exc.Message)

	assert.Equal(t, StateUninitialized, r.State())
	assert.Empty(t, r.Mode())
	_, _, terminates := ft.counts()
	assert.Equal(t, 1, terminates)
}

func TestInitializeOpenFailure(t *testing.T) {
	r := New(Config{}, discardLogger(), func(context.Context, transport.Mode, Config, *slog.Logger) (transport.Transport, error) {
		return nil, errors.New("no such worker")
	})

	err := r.Initialize(context.Background(), transport.ModeWorker)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, err.Error(), "no such worker")
	assert.Equal(t, StateUninitialized, r.State())
}

func TestDirectModeMissingEngineBinary(t *testing.T) {
	r := New(Config{EngineBin: "/nonexistent/busytex"}, discardLogger(), nil)

	err := r.Initialize(context.Background(), transport.ModeDirect)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.False(t, initErr.Timeout)
	var exc *EngineException
	assert.ErrorAs(t, err, &exc)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestCompileMapsRequestAndResult(t *testing.T) {
	ft := &fakeTransport{compileFn: func(context.Context, protocol.CompileMessage, transport.ProgressFunc) (protocol.CompileOutput, error) {
		return protocol.CompileOutput{
			PDF:      []byte("%PDF-1.5"),
			SyncTeX:  []byte("synctex"),
			Log:      "Output written on main.pdf",
			ExitCode: 0,
			Logs:     []protocol.PassLog{{Cmd: "busytex pdftex main.tex", Stdout: "This is pdfTeX"}},
		}, nil
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	req := helloRequest()
	req.Files = append(req.Files, model.FileInput{Path: "main.tex", Content: "duplicate"})
	req.MainPath = "missing.tex"

	result, err := r.Compile(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []byte("%PDF-1.5"), result.PDF)
	assert.Equal(t, []byte("synctex"), result.SyncTeX)
	assert.Equal(t, "Output written on main.pdf", result.Log)
	require.Len(t, result.Logs, 1)
	assert.Equal(t, "busytex pdftex main.tex", result.Logs[0].Cmd)

	msg := ft.lastCompile
	assert.Equal(t, "missing.tex", msg.MainTexPath, "main path is passed through unvalidated")
	require.Len(t, msg.Files, 2, "duplicate paths are passed through")
	assert.Equal(t, "duplicate", msg.Files[1].Contents)
	assert.Nil(t, msg.Bibtex)
	assert.Nil(t, msg.DataPackages)
	assert.Equal(t, "silent", msg.Verbose)
	assert.Equal(t, "pdftex_bibtex8", msg.Driver)
}

func TestCompileFailureCarriesNoPDF(t *testing.T) {
	ft := &fakeTransport{compileFn: func(context.Context, protocol.CompileMessage, transport.ProgressFunc) (protocol.CompileOutput, error) {
		return protocol.CompileOutput{PDF: []byte("%PDF-partial"), Log: "! Undefined control sequence.", ExitCode: 1}, nil
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	result, err := r.Compile(context.Background(), helloRequest())
	require.NoError(t, err, "a LaTeX failure is a result, not an error")
	assert.False(t, result.Success)
	assert.Nil(t, result.PDF)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Log, "Undefined control sequence")
}

func TestCompileSuccessWithoutPDF(t *testing.T) {
	ft := &fakeTransport{compileFn: func(context.Context, protocol.CompileMessage, transport.ProgressFunc) (protocol.CompileOutput, error) {
		return protocol.CompileOutput{Log: "No pages of output.", ExitCode: 0}, nil
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	result, err := r.Compile(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.True(t, result.Success, "success is exit code 0 even without a PDF")
	assert.Empty(t, result.PDF)
}

func TestCompileTimeoutReleasesEngine(t *testing.T) {
	ft := &fakeTransport{compileFn: func(ctx context.Context, _ protocol.CompileMessage, _ transport.ProgressFunc) (protocol.CompileOutput, error) {
		<-ctx.Done()
		return protocol.CompileOutput{}, ctx.Err()
	}}
	r, _ := newFakeRunner(t, Config{CompileTimeout: 50 * time.Millisecond}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	_, err := r.Compile(context.Background(), helloRequest())
	var timeoutErr *CompileTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.After)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, StateUninitialized, r.State())
	_, _, terminates := ft.counts()
	assert.Equal(t, 1, terminates)

	_, err = r.Compile(context.Background(), helloRequest())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCompileCallerCancellationKeepsEngine(t *testing.T) {
	ft := &fakeTransport{compileFn: func(ctx context.Context, _ protocol.CompileMessage, _ transport.ProgressFunc) (protocol.CompileOutput, error) {
		<-ctx.Done()
		return protocol.CompileOutput{}, ctx.Err()
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Compile(ctx, helloRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReady, r.State())
}

func TestCompileEngineException(t *testing.T) {
	ft := &fakeTransport{compileFn: func(context.Context, protocol.CompileMessage, transport.ProgressFunc) (protocol.CompileOutput, error) {
		return protocol.CompileOutput{}, &protocol.EngineException{Message: "RuntimeError: memory access out of bounds"}
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	_, err := r.Compile(context.Background(), helloRequest())
	var exc *EngineException
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, "RuntimeError: memory access out of bounds", exc.Message)
	assert.Equal(t, StateReady, r.State())
}

func TestCompileTransportClosed(t *testing.T) {
	ft := &fakeTransport{compileFn: func(context.Context, protocol.CompileMessage, transport.ProgressFunc) (protocol.CompileOutput, error) {
		return protocol.CompileOutput{}, transport.ErrClosed
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	_, err := r.Compile(context.Background(), helloRequest())
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestConcurrentCompilesAreSerialized(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	ft := &fakeTransport{compileFn: func(_ context.Context, msg protocol.CompileMessage, _ transport.ProgressFunc) (protocol.CompileOutput, error) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return protocol.CompileOutput{Log: msg.MainTexPath}, nil
	}}
	r, _ := newFakeRunner(t, Config{}, ft)
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	const n = 5
	var wg sync.WaitGroup
	logs := make([]string, n)
	for i := range n {
		wg.Go(func() {
			req := helloRequest()
			req.MainPath = fmt.Sprintf("doc%d.tex", i)
			result, err := r.Compile(context.Background(), req)
			if assert.NoError(t, err) {
				logs[i] = result.Log
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	for i := range n {
		assert.Equal(t, fmt.Sprintf("doc%d.tex", i), logs[i], "each caller gets its own result")
	}
}

func TestProgressReachesLogWriterAndVerboseLog(t *testing.T) {
	ft := &fakeTransport{compileFn: func(_ context.Context, _ protocol.CompileMessage, progress transport.ProgressFunc) (protocol.CompileOutput, error) {
		progress("$ busytex pdftex main.tex")
		return protocol.CompileOutput{}, nil
	}}

	var buf bytes.Buffer
	r := New(Config{Verbose: true}, slog.New(slog.NewJSONHandler(&buf, nil)),
		func(context.Context, transport.Mode, Config, *slog.Logger) (transport.Transport, error) {
			return ft, nil
		})
	require.NoError(t, r.Initialize(context.Background(), transport.ModeWorker))

	var lines []string
	req := helloRequest()
	req.LogWriter = func(line string) { lines = append(lines, line) }

	_, err := r.Compile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"$ busytex pdftex main.tex"}, lines)
	assert.Contains(t, buf.String(), "$ busytex pdftex main.tex")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultBasePath, cfg.BasePath)
	assert.Equal(t, 60*time.Second, cfg.InitTimeout)
	assert.Equal(t, 120*time.Second, cfg.CompileTimeout)
	assert.Equal(t, "/core/busytex/busytex", cfg.EngineBin)
	if assert.Len(t, cfg.WorkerCommand, 2) {
		assert.Equal(t, "worker", cfg.WorkerCommand[1])
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
