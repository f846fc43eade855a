// Package protocol defines the messages exchanged between the runner and an
// engine host, and the length-prefixed JSON framing used to carry them over a
// byte stream (worker process pipes, unix sockets, vsock).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed message payload (256 MiB). Compile
// results carry whole PDFs, so the bound is generous.
const MaxMessageSize = 256 << 20

// Client→host message types.
const (
	TypeInit    = "init"
	TypeCompile = "compile"
)

// Host→client message types.
const (
	TypeInitialized = "initialized"
	TypeException   = "exception"
	TypePrint       = "print"
	TypeResult      = "result"
)

// InitMessage asks the engine host to load the engine and its package data.
type InitMessage struct {
	BusytexJS           string   `json:"busytex_js"`
	BusytexWasm         string   `json:"busytex_wasm"`
	PreloadDataPackages []string `json:"preload_data_packages_js"`
	DataPackages        []string `json:"data_packages_js"`
	TexmfLocal          []string `json:"texmf_local"`
	Preload             bool     `json:"preload"`

	// BusytexBin points at a native multi-call engine binary. Hosts that run
	// the wasm build ignore it.
	BusytexBin string `json:"busytex_bin,omitempty"`
}

// File is a virtual file in the engine's wire format.
type File struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// CompileMessage asks an initialized engine host to compile a file set.
// Bibtex is tri-state: nil lets the engine decide. DataPackages is sent as
// null when unset.
type CompileMessage struct {
	Files        []File   `json:"files"`
	MainTexPath  string   `json:"main_tex_path"`
	Bibtex       *bool    `json:"bibtex"`
	Verbose      string   `json:"verbose"`
	Driver       string   `json:"driver"`
	DataPackages []string `json:"data_packages_js"`
}

// PassLog is the engine's record of a single applet invocation.
type PassLog struct {
	Cmd         string `json:"cmd"`
	TexmfLog    string `json:"texmflog"`
	MissfontLog string `json:"missfontlog"`
	Log         string `json:"log"`
	Aux         string `json:"aux"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    int    `json:"exit_code"`
}

// CompileOutput is the engine's answer to a CompileMessage. PDF is always
// serialized, possibly as null: its presence marks the compile as done.
type CompileOutput struct {
	PDF      []byte    `json:"pdf"`
	SyncTeX  []byte    `json:"synctex"`
	Log      string    `json:"log"`
	ExitCode int       `json:"exit_code"`
	Logs     []PassLog `json:"logs"`
}

// Request is the envelope for all client→host messages. ID correlates the
// host's answers with the request that caused them.
type Request struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Init    *InitMessage    `json:"init,omitempty"`
	Compile *CompileMessage `json:"compile,omitempty"`
}

// Response is the envelope for all host→client messages. A request receives
// any number of print messages followed by exactly one initialized, result or
// exception message carrying the same ID.
type Response struct {
	ID          uint64            `json:"id"`
	Type        string            `json:"type"`
	Initialized map[string]string `json:"initialized,omitempty"`
	Exception   string            `json:"exception,omitempty"`
	Print       string            `json:"print,omitempty"`
	Result      *CompileOutput    `json:"result,omitempty"`
}

// Final reports whether r completes its request.
func (r Response) Final() bool {
	return r.Type != TypePrint
}

// EngineException is an internal failure reported verbatim by the engine host.
// It is distinct from a LaTeX-level failure, which arrives as a normal result
// with a non-zero exit code.
type EngineException struct {
	Message string
}

func (e *EngineException) Error() string {
	return "engine exception: " + e.Message
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
