//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/srodi/waterwall/pkg/collector/process"
	"github.com/srodi/waterwall/pkg/config"
	"github.com/srodi/waterwall/pkg/firewall"
	"github.com/srodi/waterwall/pkg/history"
	"github.com/srodi/waterwall/pkg/idle"
	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/selflimit"
	"github.com/srodi/waterwall/pkg/server"
	"github.com/srodi/waterwall/pkg/service"
)

var rootCmd = &cobra.Command{
	Use:           "waterwall",
	Short:         "Per-process traffic accounting with block and limit controls",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface (default)",
	RunE:  runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a YAML config file (or $"+config.EnvFile+")")
	flags.String("listen", "", "address to serve HTTP on")
	flags.String("state-file", "", "policy state file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, snapshotCmd, topCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Base().Error().Err(err).Msg("waterwall exited")
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("state-file") {
		cfg.StateFile, _ = flags.GetString("state-file")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Console)
	return cfg, nil
}

// buildService wires the core from cfg. A state file that cannot be read and written is fatal.
func buildService(cfg config.Config, sources ...idle.Source) (*service.Service, error) {
	store, err := policy.Open(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("opening policy state: %w", err)
	}

	var fw firewall.Firewall = firewall.NewIPTables(cfg.Firewall.Binary, cfg.Firewall.Chain, nil)
	if cfg.Firewall.DryRun {
		fw = firewall.NewMemory()
	}
	enforcer := policy.NewEnforcer(store, fw,
		policy.WithTransactional(cfg.Policy.Transactional),
		policy.WithReferenceBytes(cfg.Firewall.ReferenceBytes),
		policy.WithOwnerMatch(cfg.Firewall.OwnerMatch),
	)
	sampler := process.NewSampler(
		process.WithFreshness(cfg.Sampler.Freshness),
		process.WithWorkers(cfg.Sampler.Workers),
	)

	return service.New(service.Deps{
		Sampler:  sampler,
		History:  history.New(cfg.History.Capacity),
		Policies: store,
		Enforcer: enforcer,
		Idle:     idle.NewMonitor(),
		Sources:  sources,
	}, service.Options{
		HideKernel:         cfg.Sampler.HideKernel,
		IdleThreshold:      cfg.Idle.Threshold,
		IdlePoll:           cfg.Idle.Poll,
		AutoThrottle:       cfg.Idle.AutoThrottle,
		ThrottleCPUPercent: cfg.Idle.ThrottleCPUPercent,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.Logger(ctx)

	if unix.Geteuid() != 0 {
		log.Warn().Msg("not running as root: firewall changes will fail until restarted with privileges")
	}

	release, err := selflimit.Apply(ctx, "", os.Getpid(), selflimit.Limits{
		CPUCores: cfg.SelfLimit.CPUCores,
		MemoryMB: cfg.SelfLimit.MemoryMB,
	})
	if err != nil {
		log.Warn().Err(err).Msg("self limits not applied")
	}
	defer release()

	svc, err := buildService(cfg, idle.InputDeviceSource{Glob: cfg.Idle.InputGlob})
	if err != nil {
		return err
	}
	svc.Start(ctx)
	defer svc.Stop()
	go rescanOnHangup(ctx, svc)

	return server.New(svc, cfg.Stream.Interval).Run(ctx, cfg.Listen)
}

// rescanOnHangup rebuilds the process cache and history on SIGHUP.
func rescanOnHangup(ctx context.Context, svc *service.Service) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			svc.Rescan(ctx)
		}
	}
}
