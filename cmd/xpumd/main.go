// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/intel/xpumanager/config"
	"github.com/intel/xpumanager/internal/device"
	"github.com/intel/xpumanager/internal/exporter/prometheus"
	"github.com/intel/xpumanager/internal/group"
	"github.com/intel/xpumanager/internal/logger"
	"github.com/intel/xpumanager/internal/notify"
	"github.com/intel/xpumanager/internal/policy"
	"github.com/intel/xpumanager/internal/policy/source"
	"github.com/intel/xpumanager/internal/server"
	"github.com/intel/xpumanager/internal/service"
	"github.com/intel/xpumanager/internal/version"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}
	logger := logger.New(cfg.Log.Level, cfg.Log.Format)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services := createServices(logger, cfg)
	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting xpumd")
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("xpumd terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("xpumd version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "xpumd"
	app := kingpin.New(appName, "Intel GPU policy manager daemon.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text")
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		logger.Info("Completed loading of configuration file", "path", *configFile)
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func createBackend(logger *slog.Logger, cfg *config.Config) device.Backend {
	if ptr.Deref(cfg.Dev.FakeGPU.Enabled, false) {
		return device.NewFakeBackend(cfg.Dev.FakeGPU.Devices, device.WithFakeLogger(logger))
	}
	return device.NewSysfsBackend(cfg.Host.SysFS, device.WithSysfsLogger(logger))
}

// createServices returns the services in init order; the backend must
// discover devices before groups and policies reference them
func createServices(logger *slog.Logger, cfg *config.Config) []service.Service {
	logger.Debug("Creating all services")

	backend := createBackend(logger, cfg)
	groups := group.NewManager(backend)

	specs := make([]group.Spec, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		specs = append(specs, group.Spec{Name: g.Name, Devices: g.Devices})
	}

	pm := policy.NewManager(backend, groups,
		policy.WithLogger(logger),
		policy.WithInterval(cfg.Policy.Interval),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	services := []service.Service{
		backend,
		group.NewSeeder(groups, specs, logger),
		pm,
	}

	if cfg.Policy.File != "" {
		webhook := notify.NewWebhook(logger, cfg.Notify.Webhook.Timeout)
		services = append(services, source.NewSource(cfg.Policy.File, pm, groups,
			source.WithLogger(logger),
			source.WithNotifier(webhook),
			source.WithWatch(ptr.Deref(cfg.Policy.Watch, true)),
			source.WithDebounce(cfg.Policy.Debounce),
		))
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors := prometheus.CreateCollectors(pm, backend,
			prometheus.WithLogger(logger),
			prometheus.WithMetricsLevel(cfg.Exporter.Prometheus.MetricsLevel),
		)
		services = append(services, prometheus.NewExporter(apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer, logger))
	}

	return append(services,
		server.NewProbe(apiServer, pm),
		apiServer,
		service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM),
	)
}
