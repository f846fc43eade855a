package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/protocol"
)

// Applets of the BusyTeX multi-call binary.
const (
	appletXeTeX     = "xetex"
	appletPdfTeX    = "pdftex"
	appletLuaHBTeX  = "luahbtex"
	appletLuaTeX    = "luatex"
	appletBibtex8   = "bibtex8"
	appletXdvipdfmx = "xdvipdfmx"
)

// versionedApplets are queried for their version during Init.
var versionedApplets = []string{appletXeTeX, appletPdfTeX, appletLuaHBTeX, appletLuaTeX, appletBibtex8, appletXdvipdfmx}

// engine describes how a driver runs its TeX engine.
type engine struct {
	applet string
	format string
	flags  []string
	dvipdf bool // output is .xdv and needs xdvipdfmx
}

var driverEngines = map[model.Driver]engine{
	model.DriverXeTeX:    {applet: appletXeTeX, format: "xelatex", flags: []string{"--no-pdf"}, dvipdf: true},
	model.DriverPdfTeX:   {applet: appletPdfTeX, format: "pdflatex"},
	model.DriverLuaHBTeX: {applet: appletLuaHBTeX, format: "luahblatex", flags: []string{"--nosocket"}},
	model.DriverLuaTeX:   {applet: appletLuaTeX, format: "lualatex", flags: []string{"--nosocket"}},
}

// pass is one applet invocation.
type pass struct {
	applet string
	args   []string
}

func (p pass) String() string {
	return strings.Join(append([]string{p.applet}, p.args...), " ")
}

// jobName returns the TeX job name for mainPath: its base name without extension.
func jobName(mainPath string) string {
	base := path.Base(mainPath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// wantBibtex resolves the tri-state bibtex flag. When unset, bibliography
// passes run if any .bib file is part of the request.
func wantBibtex(msg protocol.CompileMessage) bool {
	if msg.Bibtex != nil {
		return *msg.Bibtex
	}
	for _, f := range msg.Files {
		if strings.HasSuffix(f.Path, ".bib") {
			return true
		}
	}
	return false
}

// planPasses builds the pass sequence for a compile request.
func planPasses(msg protocol.CompileMessage) ([]pass, error) {
	eng, ok := driverEngines[model.Driver(msg.Driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", msg.Driver)
	}

	interaction := "nonstopmode"
	if model.Verbosity(msg.Verbose) == model.VerbositySilent {
		interaction = "batchmode"
	}

	texArgs := []string{"--no-shell-escape", "--interaction=" + interaction, "--halt-on-error", "--fmt=" + eng.format}
	texArgs = append(texArgs, eng.flags...)
	texArgs = append(texArgs, msg.MainTexPath)
	tex := pass{applet: eng.applet, args: texArgs}

	job := jobName(msg.MainTexPath)
	passes := []pass{tex}
	if wantBibtex(msg) {
		bib := pass{applet: appletBibtex8, args: []string{"--8bit", job + ".aux"}}
		passes = append(passes, bib, tex, tex)
	}
	if eng.dvipdf {
		passes = append(passes, pass{applet: appletXdvipdfmx, args: []string{"-o", job + ".pdf", job + ".xdv"}})
	}
	return passes, nil
}
