// Command busytex compiles LaTeX documents with the BusyTeX engine.
//
// It runs as an HTTP compile service (serve), as a one-shot compiler
// (compile) or as the engine host a worker-mode runner talks to (worker).
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
