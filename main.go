package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dataops-works/optimizely-archiver/cmd"
)

var (
	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000")).
		Bold(true)
)

// watchStopFile cancels the run when the stop file appears. Some terminals
// (Warp) swallow CTRL-C, so `touch <stopfile>` is the fallback.
func watchStopFile(ctx context.Context, cancel context.CancelFunc, path string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				_ = os.Remove(path)
				cancel()
				return
			}
		}
	}
}

func main() {
	// Register signal handling before Cobra (and any library) initializes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	homeDir, _ := os.UserHomeDir()
	stopFile := filepath.Join(homeDir, ".optimizely-archiver", "stop")
	go watchStopFile(ctx, cancel, stopFile)

	cmd.SetSignalContext(ctx, stopFile)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("❌ Error: "+err.Error()))
		os.Exit(1)
	}
}
