package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/busytex/internal/model"
)

// ErrUnknownTool is returned by Resolve for a name nothing is registered under.
var ErrUnknownTool = errors.New("unknown tool")

// Info describes a registered tool.
type Info struct {
	Name   string       `json:"name"`
	Driver model.Driver `json:"driver"`
}

// Registry holds the tools a server or CLI offers, by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Compiler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Compiler),
	}
}

// NewDefaultRegistry registers XeLaTeX, pdfLaTeX and LuaLaTeX over e.
func NewDefaultRegistry(e Engine) *Registry {
	r := NewRegistry()
	r.Register(NewXeLatex(e))
	r.Register(NewPdfLatex(e))
	r.Register(NewLuaLatex(e))
	return r
}

// Register adds c under its name, replacing any tool already there.
func (r *Registry) Register(c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[c.Name()] = c
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return c, nil
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for name, c := range r.tools {
		infos = append(infos, Info{Name: name, Driver: c.Driver()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
