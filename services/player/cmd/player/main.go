// Command player is a headless playback agent: it drives an mpv surface,
// tracks resume progress and enforces the per-video watch budget, and exposes
// the session to a host UI over a local control API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/watch-platform/internal/platform/run"
)

// exitError carries a process exit code out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			run.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		run.Exit(1)
	}
}
