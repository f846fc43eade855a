package runner

import (
	"strings"

	"github.com/seantiz/busytex/internal/protocol"
)

// Engine assets and package data expected under the base path.
const (
	engineScript = "busytex.js"
	engineWasm   = "busytex.wasm"
	basicPackage = "texlive-basic.js"
	extraPackage = "texlive-extra.js"
)

// initMessage builds the handshake for the configured base path. Both package
// bundles are preloaded and the basic one stays resident for every compile.
func initMessage(cfg Config) protocol.InitMessage {
	base := strings.TrimRight(cfg.BasePath, "/")
	asset := func(name string) string { return base + "/" + name }

	return protocol.InitMessage{
		BusytexJS:           asset(engineScript),
		BusytexWasm:         asset(engineWasm),
		PreloadDataPackages: []string{asset(basicPackage), asset(extraPackage)},
		DataPackages:        []string{asset(basicPackage)},
		TexmfLocal:          []string{},
		Preload:             true,
		BusytexBin:          cfg.EngineBin,
	}
}
