//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after an unclean exit.
// Bubbletea normally does this itself, but an interrupt at the wrong
// moment can leave ICRNL off and break line-based prompts afterwards.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	// Go through /dev/tty so redirected stdin doesn't matter.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
