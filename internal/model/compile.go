package model

// Driver selects the TeX engine and post-processor chain the engine host runs.
type Driver string

// Supported drivers.
const (
	DriverXeTeX    Driver = "xetex_bibtex8_dvipdfmx"
	DriverPdfTeX   Driver = "pdftex_bibtex8"
	DriverLuaHBTeX Driver = "luahbtex_bibtex8"
	DriverLuaTeX   Driver = "luatex_bibtex8"
)

// Drivers lists every driver in a stable order.
var Drivers = []Driver{DriverXeTeX, DriverPdfTeX, DriverLuaHBTeX, DriverLuaTeX}

// Valid reports whether d is one of the supported drivers.
func (d Driver) Valid() bool {
	for _, known := range Drivers {
		if d == known {
			return true
		}
	}
	return false
}

// Verbosity controls how chatty the engine is while compiling.
type Verbosity string

// Verbosity levels understood by the engine host.
const (
	VerbositySilent Verbosity = "silent"
	VerbosityInfo   Verbosity = "info"
	VerbosityDebug  Verbosity = "debug"
)

// Valid reports whether v is a known verbosity level.
func (v Verbosity) Valid() bool {
	switch v {
	case VerbositySilent, VerbosityInfo, VerbosityDebug:
		return true
	}
	return false
}

// FileInput is a virtual in-memory file handed to the engine.
type FileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CompileRequest is one compilation against the engine host.
//
// Files are passed through in order without validation: duplicate paths and a
// MainPath that names no file are left for the engine to report.
type CompileRequest struct {
	Files     []FileInput `json:"files"`
	MainPath  string      `json:"main_path"`
	Bibtex    *bool       `json:"bibtex,omitempty"`
	Verbosity Verbosity   `json:"verbosity"`
	Driver    Driver      `json:"driver"`

	// DataPackages lists extra package-data bundles for this compile only.
	// Nil means unset, which is distinct from an empty list on the wire.
	DataPackages []string `json:"data_packages,omitempty"`

	// LogWriter receives progress lines while the engine works. Optional.
	LogWriter func(line string) `json:"-"`
}

// LogEntry describes one pass (a single applet invocation) of a compile.
type LogEntry struct {
	Cmd         string `json:"cmd"`
	TexmfLog    string `json:"texmflog"`
	MissfontLog string `json:"missfontlog"`
	Log         string `json:"log"`
	Aux         string `json:"aux"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    int    `json:"exit_code"`
}

// CompileResult is what the engine produced for a CompileRequest.
//
// Success is defined purely by ExitCode == 0. A successful result may still
// carry no PDF; callers must treat that as an empty, non-fatal result.
type CompileResult struct {
	Success  bool       `json:"success"`
	PDF      []byte     `json:"pdf,omitempty"`
	SyncTeX  []byte     `json:"synctex,omitempty"`
	Log      string     `json:"log"`
	ExitCode int        `json:"exit_code"`
	Logs     []LogEntry `json:"logs"`
}
