package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/diaryx-org/diaryx-go/internal/cloud"
	"github.com/diaryx-org/diaryx-go/internal/live"
)

// stdoutIsTTY decides whether to render in-place progress lines or plain
// log lines (piped output, CI).
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// showStatus renders one live engine status transition.
func showStatus(s live.Status) {
	if flagQuiet {
		return
	}

	if stdoutIsTTY() {
		fmt.Printf("\r\x1b[K  %s", s)

		if s.State == live.StateSynced || s.State == live.StateError {
			fmt.Println()
		}

		return
	}

	fmt.Printf("  %s\n", s)
}

// showCloudProgress renders one cloud sync progress report.
func showCloudProgress(p cloud.Progress) {
	if flagQuiet {
		return
	}

	line := fmt.Sprintf("[%3d%%] %s", p.Percent, p.Stage)

	if p.Total > 0 {
		line += fmt.Sprintf(" %d/%d", p.Current, p.Total)
	}

	if p.Message != "" {
		line += " " + p.Message
	}

	if stdoutIsTTY() {
		fmt.Printf("\r\x1b[K%s", line)

		if p.Stage == cloud.StageComplete || p.Stage == cloud.StageError {
			fmt.Println()
		}

		return
	}

	fmt.Println(line)
}
