// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS string `yaml:"sysfs"`
	}

	Policy struct {
		Interval time.Duration `yaml:"interval"` // period of the evaluation loop
		File     string        `yaml:"file"`     // optional declarative policy file
		Watch    *bool         `yaml:"watch"`    // reload File when it changes
		Debounce time.Duration `yaml:"debounce"` // quiet period before a reload
	}

	Webhook struct {
		Timeout time.Duration `yaml:"timeout"`
	}
	Notify struct {
		Webhook Webhook `yaml:"webhook"`
	}

	// Group is a named set of devices created at startup
	Group struct {
		Name    string `yaml:"name"`
		Devices []int  `yaml:"devices"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeGPU struct {
			Enabled *bool `yaml:"enabled"`
			Devices int   `yaml:"devices"`
		} `yaml:"fake-gpu"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	Exporter struct {
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Policy   Policy   `yaml:"policy"`
		Notify   Notify   `yaml:"notify"`
		Groups   []Group  `yaml:"groups"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into Level
type MetricsLevelValue struct {
	level *Level
}

// NewMetricsLevelValue creates a new MetricsLevelValue with the given target
func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value interface - parses and accumulates metrics levels
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}

	// the first value replaces the default
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}
	*m.level |= level
	return nil
}

// String implements kingpin.Value interface
func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag = "host.sysfs"

	PolicyIntervalFlag = "policy.interval"
	PolicyFileFlag     = "policy.file"
	PolicyWatchFlag    = "policy.watch"
	PolicyDebounce     = "policy.debounce" // not a flag

	WebhookTimeoutFlag = "notify.webhook-timeout"

	Groups = "groups" // not a flag

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"

	PprofEnabledFlag = "debug.pprof"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
		},
		Policy: Policy{
			Interval: 5 * time.Second,
			Watch:    ptr.To(true),
			Debounce: 250 * time.Millisecond,
		},
		Notify: Notify{
			Webhook: Webhook{
				Timeout: 5 * time.Second,
			},
		},
		Exporter: Exporter{
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Web: Web{
			ListenAddresses: []string{":29999"},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
	}

	cfg.Dev.FakeGPU.Enabled = ptr.To(false)
	cfg.Dev.FakeGPU.Devices = 2
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg, err := parse(r)
	if err != nil {
		return nil, err
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// FromFile loads configuration from a file, then merges the drop-ins found
// in the sibling directory named after the file plus DropInDirSuffix
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		// read only; close errors are irrelevant
		_ = file.Close()
	}()

	cfg, err := parse(file)
	if err != nil {
		return nil, err
	}

	overlay := NewOverlay(cfg)
	if err := overlay.AddDir(filePath + DropInDirSuffix); err != nil {
		return nil, err
	}
	if cfg, err = overlay.Apply(); err != nil {
		return nil, err
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()

	// policy engine
	policyInterval := app.Flag(PolicyIntervalFlag, "Period of the policy evaluation loop").Default("5s").Duration()
	policyFile := app.Flag(PolicyFileFlag, "Policy file to apply at startup").Default("").String()
	policyWatch := app.Flag(PolicyWatchFlag, "Reload the policy file when it changes").Default("true").Bool()

	webhookTimeout := app.Flag(WebhookTimeoutFlag, "Timeout of policy webhook notifications").Default("5s").Duration()

	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":29999").Strings()

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	pprofEnabled := app.Flag(PprofEnabledFlag, "Enable pprof debugging endpoints").Default("false").Bool()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metrics levels to export (policy,gpu)").SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[PolicyIntervalFlag] {
			cfg.Policy.Interval = *policyInterval
		}
		if flagsSet[PolicyFileFlag] {
			cfg.Policy.File = *policyFile
		}
		if flagsSet[PolicyWatchFlag] {
			cfg.Policy.Watch = policyWatch
		}

		if flagsSet[WebhookTimeoutFlag] {
			cfg.Notify.Webhook.Timeout = *webhookTimeout
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		if flagsSet[PprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = pprofEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Policy.File = strings.TrimSpace(c.Policy.File)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Groups {
		c.Groups[i].Name = strings.TrimSpace(c.Groups[i].Name)
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host settings; the fake backend never touches sysfs
		if _, skip := validationSkipped[SkipHostValidation]; !skip && !ptr.Deref(c.Dev.FakeGPU.Enabled, false) {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
		}
	}
	{ // policy engine
		if c.Policy.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid policy interval: %s must be positive", c.Policy.Interval))
		}
		if c.Policy.Debounce < 0 {
			errs = append(errs, fmt.Sprintf("invalid policy debounce: %s can't be negative", c.Policy.Debounce))
		}
		if c.Policy.File != "" {
			if err := canReadFile(c.Policy.File); err != nil {
				errs = append(errs, fmt.Sprintf("invalid policy file. path: %q: %s", c.Policy.File, err.Error()))
			}
		}
		if c.Notify.Webhook.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid webhook timeout: %s must be positive", c.Notify.Webhook.Timeout))
		}
	}
	{ // groups
		names := map[string]bool{}
		for i, g := range c.Groups {
			if g.Name == "" {
				errs = append(errs, fmt.Sprintf("group %d: name cannot be empty", i))
				continue
			}
			if names[g.Name] {
				errs = append(errs, fmt.Sprintf("duplicate group name: %s", g.Name))
			}
			names[g.Name] = true
			for _, d := range g.Devices {
				if d < 0 {
					errs = append(errs, fmt.Sprintf("group %s: invalid device id %d", g.Name, d))
				}
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // dev
		if ptr.Deref(c.Dev.FakeGPU.Enabled, false) && c.Dev.FakeGPU.Devices <= 0 {
			errs = append(errs, fmt.Sprintf("invalid fake GPU count: %d", c.Dev.FakeGPU.Devices))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	groups := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, fmt.Sprintf("%s=%v", g.Name, g.Devices))
	}

	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{PolicyIntervalFlag, c.Policy.Interval.String()},
		{PolicyFileFlag, c.Policy.File},
		{PolicyWatchFlag, fmt.Sprintf("%v", ptr.Deref(c.Policy.Watch, false))},
		{PolicyDebounce, c.Policy.Debounce.String()},
		{WebhookTimeoutFlag, c.Notify.Webhook.Timeout.String()},
		{Groups, strings.Join(groups, ", ")},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{WebListenAddressFlag, strings.Join(c.Web.ListenAddresses, ", ")},
		{PprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
