//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/report"
	"github.com/srodi/waterwall/pkg/service"
	"github.com/srodi/waterwall/pkg/ui"
)

const (
	defaultInterval = 2 * time.Second
	defaultTopK     = 20
)

type viewConfig struct {
	interval   time.Duration
	topK       int
	sortKey    string
	sortOrder  string
	hideKernel bool
	name       string
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the process table once",
	RunE:  runSnapshot,
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Refresh the process table in the terminal",
	RunE:  runTop,
}

func init() {
	for _, c := range []*cobra.Command{snapshotCmd, topCmd} {
		c.Flags().String("sort", string(report.KeyTraffic), "sort key: traffic_usage, name or pid")
		c.Flags().String("order", string(report.Desc), "sort order: asc or desc")
		c.Flags().Int("limit", defaultTopK, "number of processes to display (0 for all)")
		c.Flags().Bool("hide-kernel", true, "hide kernel threads such as kworker, ksoftirqd, etc")
		c.Flags().String("name", "", "only show processes whose name contains this substring (case-insensitive)")
	}
	topCmd.Flags().Duration("interval", defaultInterval, "refresh interval (e.g. 2s, 1m)")
}

func parseViewConfig(cmd *cobra.Command) viewConfig {
	flags := cmd.Flags()
	var cfg viewConfig
	cfg.sortKey, _ = flags.GetString("sort")
	cfg.sortOrder, _ = flags.GetString("order")
	cfg.topK, _ = flags.GetInt("limit")
	cfg.hideKernel, _ = flags.GetBool("hide-kernel")
	name, _ := flags.GetString("name")
	cfg.name = strings.ToLower(strings.TrimSpace(name))
	cfg.interval = defaultInterval
	if flags.Lookup("interval") != nil {
		cfg.interval, _ = flags.GetDuration("interval")
	}
	if cfg.interval <= 0 {
		cfg.interval = defaultInterval
	}
	if cfg.topK < 0 {
		cfg.topK = 0
	}
	return cfg
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	view := parseViewConfig(cmd)
	rows, err := visibleRows(cmd.Context(), svc, view)
	if err != nil {
		return err
	}
	return report.WriteTable(os.Stdout, rows, view.topK)
}

func runTop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := buildService(cfg)
	if err != nil {
		return err
	}
	view := parseViewConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanupTerminal := enableSingleView()
	defer cleanupTerminal()

	ticker := time.NewTicker(view.interval)
	defer ticker.Stop()

	for {
		if err := snapshotAndPrint(ctx, svc, view); err != nil {
			logger.Logger(ctx).Warn().Err(err).Msg("snapshot failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func visibleRows(ctx context.Context, svc *service.Service, view viewConfig) ([]report.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := svc.ListSnapshots(ctx, view.sortKey, view.sortOrder)
	if err != nil {
		return nil, err
	}
	return report.FilterRecords(rows, report.FilterConfig{HideKernel: view.hideKernel, Name: view.name}), nil
}

func snapshotAndPrint(ctx context.Context, svc *service.Service, view viewConfig) error {
	rows, err := visibleRows(ctx, svc, view)
	if err != nil {
		return err
	}
	focus := report.TopTalker(rows)

	var buf bytes.Buffer
	buf.WriteString(ui.Banner())
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "waterwall (press Ctrl+C to exit)\n")
	fmt.Fprintf(&buf, "Updated: %s | Interval: %v | Away: %t\n\n", time.Now().Format(time.RFC3339), view.interval, svc.Idle())

	if focus != nil {
		fmt.Fprintf(&buf, "[!] Top talker: %s (pid %d)\n", focus.Name, focus.PID)
		fmt.Fprintf(&buf, "   %s\n\n", report.TopTalkerSummary(*focus))
	}

	fmt.Fprintf(&buf, "[Top %d by %s %s]\n", view.topK, view.sortKey, view.sortOrder)
	if err := report.WriteTable(&buf, rows, view.topK); err != nil {
		return err
	}

	clearScreen()
	fmt.Print(buf.String())
	return nil
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func enableSingleView() func() {
	stdoutFD := int(os.Stdout.Fd())
	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdoutFD) {
		return func() {}
	}

	fmt.Print("\033[?1049h") // switch to alternate buffer
	fmt.Print("\033[?25l")   // hide cursor

	var restore []func()
	if term.IsTerminal(stdinFD) {
		if undoEcho, err := disableInputEcho(stdinFD); err != nil {
			logger.Base().Warn().Err(err).Msg("unable to suppress stdin echo")
		} else if undoEcho != nil {
			restore = append(restore, undoEcho)
		}
	}

	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
		fmt.Print("\033[?25h")   // show cursor
		fmt.Print("\033[?1049l") // restore main buffer
	}
}

// disableInputEcho turns off stdin echo so the alternate-screen view stays clean.
func disableInputEcho(fd int) (func(), error) {
	termState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	updated := *termState
	updated.Lflag &^= unix.ECHO

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &updated); err != nil {
		return nil, err
	}

	return func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, termState)
	}, nil
}
