// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	intelVendorID = "8086"

	// hwmon units
	milliDegrees = 1000
	milliWatts   = 1000
)

var cardDirPattern = regexp.MustCompile(`^card(\d+)$`)

type gtKind int

const (
	gtI915 gtKind = iota
	gtXe
)

// gtDir is a graphics tile directory exposing frequency and throttle controls
type gtDir struct {
	tile int
	path string
	kind gtKind
}

func (g gtDir) file(name string) string {
	if g.kind == gtXe {
		switch name {
		case "act":
			return filepath.Join(g.path, "act_freq")
		case "min":
			return filepath.Join(g.path, "min_freq")
		case "max":
			return filepath.Join(g.path, "max_freq")
		}
	}
	return filepath.Join(g.path, "rps_"+name+"_freq_mhz")
}

// throttleFiles returns the directory holding the reason files, the reason
// file prefix and the name of the aggregated status file
func (g gtDir) throttleFiles() (dir, prefix, status string) {
	if g.kind == gtXe {
		return filepath.Join(g.path, "throttle"), "reason_", "status"
	}
	return g.path, "throttle_reason_", "throttle_reason_status"
}

type sysfsCard struct {
	info       Info
	cardPath   string
	devicePath string
	hwmonPath  string
	gts        []gtDir

	mu     sync.Mutex
	energy map[string]energyMark // previous energy read per metrics view
}

type energyMark struct {
	value uint64 // micro joules
	at    time.Time
}

// SysfsBackend implements Backend on top of the i915/xe DRM sysfs interface
type SysfsBackend struct {
	logger    *slog.Logger
	sysfsPath string
	clock     clock.PassiveClock

	fetchGroup singleflight.Group

	mu    sync.RWMutex
	cards []*sysfsCard
}

var _ Backend = (*SysfsBackend)(nil)

// SysfsOptFn configures a SysfsBackend
type SysfsOptFn func(*SysfsBackend)

// WithSysfsLogger sets the logger of the sysfs backend
func WithSysfsLogger(l *slog.Logger) SysfsOptFn {
	return func(b *SysfsBackend) {
		b.logger = l.With("backend", "sysfs")
	}
}

// WithSysfsClock sets the clock used to timestamp samples and derive power
func WithSysfsClock(c clock.PassiveClock) SysfsOptFn {
	return func(b *SysfsBackend) {
		b.clock = c
	}
}

// NewSysfsBackend creates a backend reading GPUs under sysfsPath (usually /sys)
func NewSysfsBackend(sysfsPath string, opts ...SysfsOptFn) *SysfsBackend {
	b := &SysfsBackend{
		logger:    slog.Default().With("backend", "sysfs"),
		sysfsPath: sysfsPath,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *SysfsBackend) Name() string {
	return "sysfs-gpu"
}

// Init discovers Intel GPUs; device ids follow DRM card order
func (b *SysfsBackend) Init() error {
	cards, err := b.discover()
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		return fmt.Errorf("no Intel GPU found under %s", b.sysfsPath)
	}

	b.mu.Lock()
	b.cards = cards
	b.mu.Unlock()

	for _, c := range cards {
		b.logger.Info("Discovered GPU",
			"device", c.info.ID,
			"pci", c.info.PCIAddress,
			"deviceID", c.info.DeviceID,
			"tiles", c.info.Tiles,
			"hwmon", c.hwmonPath != "",
			"freqControl", c.freqWritable())
	}
	return nil
}

func (b *SysfsBackend) discover() ([]*sysfsCard, error) {
	base := filepath.Join(b.sysfsPath, "class", "drm")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("failed to read drm class directory: %w", err)
	}

	type numbered struct {
		n    int
		name string
	}
	var names []numbered
	for _, e := range entries {
		m := cardDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		names = append(names, numbered{n: n, name: e.Name()})
	}
	sort.Slice(names, func(i, j int) bool { return names[i].n < names[j].n })

	var cards []*sysfsCard
	for _, nn := range names {
		cardPath := filepath.Join(base, nn.name)
		card, err := b.probeCard(cardPath)
		if err != nil {
			b.logger.Debug("skipping drm card", "card", nn.name, "reason", err)
			continue
		}
		card.info.ID = len(cards)
		cards = append(cards, card)
	}
	return cards, nil
}

func (b *SysfsBackend) probeCard(cardPath string) (*sysfsCard, error) {
	devicePath := filepath.Join(cardPath, "device")

	vendor, err := readTrim(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return nil, err
	}
	if normalizeHexID(vendor) != intelVendorID {
		return nil, fmt.Errorf("not an Intel device: vendor %s", vendor)
	}

	class, err := readTrim(filepath.Join(devicePath, "class"))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(normalizeHexID(class), "03") {
		return nil, fmt.Errorf("not a display controller: class %s", class)
	}

	devID, _ := readTrim(filepath.Join(devicePath, "device"))
	resolved, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device path: %w", err)
	}

	card := &sysfsCard{
		cardPath:   cardPath,
		devicePath: devicePath,
		info: Info{
			Name:       fmt.Sprintf("Intel GPU [%s:%s]", intelVendorID, normalizeHexID(devID)),
			PCIAddress: filepath.Base(resolved),
			VendorID:   intelVendorID,
			DeviceID:   normalizeHexID(devID),
		},
	}

	if hwmons, _ := filepath.Glob(filepath.Join(devicePath, "hwmon", "hwmon*")); len(hwmons) > 0 {
		sort.Strings(hwmons)
		card.hwmonPath = hwmons[0]
	}

	card.gts = findGTs(cardPath, devicePath)
	tiles := map[int]bool{}
	for _, g := range card.gts {
		tiles[g.tile] = true
	}
	card.info.Tiles = max(len(tiles), 1)
	return card, nil
}

// findGTs lists xe (device/tileN/gtM/freq0) or i915 (cardN/gt/gtM) GT directories
func findGTs(cardPath, devicePath string) []gtDir {
	var gts []gtDir

	xe, _ := filepath.Glob(filepath.Join(devicePath, "tile[0-9]*", "gt[0-9]*", "freq0"))
	sort.Strings(xe)
	for _, p := range xe {
		tileName := filepath.Base(filepath.Dir(filepath.Dir(p)))
		tile, err := strconv.Atoi(strings.TrimPrefix(tileName, "tile"))
		if err != nil {
			continue
		}
		gts = append(gts, gtDir{tile: tile, path: p, kind: gtXe})
	}
	if len(gts) > 0 {
		return gts
	}

	i915, _ := filepath.Glob(filepath.Join(cardPath, "gt", "gt[0-9]*"))
	sort.Strings(i915)
	for _, p := range i915 {
		n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(p), "gt"))
		if err != nil {
			continue
		}
		gts = append(gts, gtDir{tile: n, path: p, kind: gtI915})
	}
	return gts
}

func (b *SysfsBackend) card(id int) (*sysfsCard, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if id < 0 || id >= len(b.cards) {
		return nil, ErrDeviceNotFound{ID: id}
	}
	return b.cards[id], nil
}

func (b *SysfsBackend) Device(id int) (Info, bool) {
	c, err := b.card(id)
	if err != nil {
		return Info{}, false
	}
	return c.info, true
}

func (b *SysfsBackend) Devices() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ret := make([]Info, len(b.cards))
	for i, c := range b.cards {
		ret[i] = c.info
	}
	return ret
}

// LatestMetrics samples the device. Concurrent callers for the same device
// share one read. Power is averaged since the previous LatestMetrics call;
// other consumers should read through MetricsView.
func (b *SysfsBackend) LatestMetrics(id int) ([]DeviceMetrics, error) {
	return b.latest(id, "")
}

// MetricsView returns a MetricsSource averaging power since its own previous
// read, so that its callers do not shorten the window seen by others
func (b *SysfsBackend) MetricsView(name string) MetricsSource {
	return sysfsView{backend: b, name: name}
}

type sysfsView struct {
	backend *SysfsBackend
	name    string
}

func (v sysfsView) LatestMetrics(id int) ([]DeviceMetrics, error) {
	return v.backend.latest(id, v.name)
}

func (b *SysfsBackend) latest(id int, view string) ([]DeviceMetrics, error) {
	c, err := b.card(id)
	if err != nil {
		return nil, err
	}

	v, err, _ := b.fetchGroup.Do(view+"/"+strconv.Itoa(id), func() (any, error) {
		return b.sample(c, view)
	})
	if err != nil {
		return nil, err
	}
	return v.([]DeviceMetrics), nil
}

func (b *SysfsBackend) sample(c *sysfsCard, view string) ([]DeviceMetrics, error) {
	now := b.clock.Now()
	dev := DeviceMetrics{DeviceID: c.info.ID}
	var errs error

	if c.hwmonPath != "" {
		temps, err := readTemperatures(c.hwmonPath)
		errs = errors.Join(errs, err)
		if v, ok := firstOf(temps, "pkg", "gt", "temp1"); ok {
			dev.Data = append(dev.Data, DataPoint{Type: MetricGPUCoreTemperature, Value: v, Scale: milliDegrees, Timestamp: now})
		}
		if v, ok := firstOf(temps, "vram", "mctrl"); ok {
			dev.Data = append(dev.Data, DataPoint{Type: MetricMemoryTemperature, Value: v, Scale: milliDegrees, Timestamp: now})
		}

		if mw, ok := c.power(view, now); ok {
			dev.Data = append(dev.Data, DataPoint{Type: MetricPower, Value: mw, Scale: milliWatts, Timestamp: now})
		}
	}

	if mhz, err := readInt(filepath.Join(c.cardPath, "gt_act_freq_mhz")); err == nil {
		dev.Data = append(dev.Data, DataPoint{Type: MetricGPUFrequency, Value: mhz, Scale: 1, Timestamp: now})
	}

	ret := []DeviceMetrics{dev}
	for _, g := range c.gts {
		mhz, err := readInt(g.file("act"))
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		ret = append(ret, DeviceMetrics{
			DeviceID:   c.info.ID,
			IsTileData: true,
			TileID:     g.tile,
			Data:       []DataPoint{{Type: MetricGPUFrequency, Value: mhz, Scale: 1, Timestamp: now}},
		})
	}

	if len(dev.Data) == 0 && len(ret) == 1 {
		if errs != nil {
			return nil, fmt.Errorf("failed to sample device %d: %w", c.info.ID, errs)
		}
		return nil, ErrNotSupported{ID: c.info.ID, Operation: "metrics"}
	}
	if errs != nil {
		b.logger.Debug("partial sample", "device", c.info.ID, "error", errs)
	}
	return ret, nil
}

// power returns milliwatts derived from the hwmon energy counter, falling back
// to the instantaneous power reading when no energy counter is exposed
func (c *sysfsCard) power(view string, now time.Time) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, err := readUint(filepath.Join(c.hwmonPath, "energy1_input")); err == nil {
		if c.energy == nil {
			c.energy = map[string]energyMark{}
		}
		prev, seen := c.energy[view]
		c.energy[view] = energyMark{value: e, at: now}

		dt := now.Sub(prev.at).Seconds()
		if !seen || dt <= 0 || e < prev.value {
			return 0, false
		}
		return int64(float64(e-prev.value) / 1000 / dt), true
	}

	for _, f := range []string{"power1_average", "power1_input"} {
		if uw, err := readInt(filepath.Join(c.hwmonPath, f)); err == nil {
			return uw / 1000, true
		}
	}
	return 0, false
}

// Present reports whether the PCI function of the device is still on the bus
func (b *SysfsBackend) Present(id int) (bool, error) {
	c, err := b.card(id)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(b.sysfsPath, "bus", "pci", "devices", c.info.PCIAddress))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// ThrottleReason joins the active throttle reasons of every GT of the device
func (b *SysfsBackend) ThrottleReason(id int) (string, error) {
	c, err := b.card(id)
	if err != nil {
		return "", err
	}
	if len(c.gts) == 0 {
		return "", ErrNotSupported{ID: id, Operation: "throttle reasons"}
	}

	reasons := map[string]bool{}
	for _, g := range c.gts {
		dir, prefix, statusFile := g.throttleFiles()
		status, err := readInt(filepath.Join(dir, statusFile))
		if err != nil {
			return "", fmt.Errorf("failed to read throttle status: %w", err)
		}
		if status == 0 {
			continue
		}

		files, err := os.ReadDir(dir)
		if err != nil {
			return "", err
		}
		active := 0
		for _, f := range files {
			name := f.Name()
			if !strings.HasPrefix(name, prefix) || name == statusFile {
				continue
			}
			if v, err := readInt(filepath.Join(dir, name)); err == nil && v != 0 {
				reasons[strings.TrimPrefix(name, prefix)] = true
				active++
			}
		}
		if active == 0 {
			reasons["unknown"] = true
		}
	}

	ret := make([]string, 0, len(reasons))
	for r := range reasons {
		ret = append(ret, r)
	}
	sort.Strings(ret)
	return strings.Join(ret, ", "), nil
}

// SetFrequencyRangeForAll writes the range to every GT of the device
func (b *SysfsBackend) SetFrequencyRangeForAll(id int, r FrequencyRange) error {
	c, err := b.card(id)
	if err != nil {
		return err
	}
	if r.Min < 0 || r.Max <= 0 || r.Min > r.Max {
		return fmt.Errorf("invalid frequency range [%v, %v]", r.Min, r.Max)
	}

	var errs error
	for _, t := range c.freqTargets() {
		errs = errors.Join(errs, writeRange(t[0], t[1], r))
	}
	return errs
}

// freqTargets returns the min and max frequency files of every GT, falling
// back to the card level files on kernels without per GT directories
func (c *sysfsCard) freqTargets() [][2]string {
	targets := make([][2]string, 0, len(c.gts)+1)
	for _, g := range c.gts {
		targets = append(targets, [2]string{g.file("min"), g.file("max")})
	}
	if len(targets) == 0 {
		targets = append(targets, [2]string{
			filepath.Join(c.cardPath, "gt_min_freq_mhz"),
			filepath.Join(c.cardPath, "gt_max_freq_mhz"),
		})
	}
	return targets
}

// freqWritable reports whether this process may clamp the device frequency
func (c *sysfsCard) freqWritable() bool {
	for _, t := range c.freqTargets() {
		if unix.Access(t[0], unix.W_OK) != nil || unix.Access(t[1], unix.W_OK) != nil {
			return false
		}
	}
	return true
}

// writeRange orders the writes so min never exceeds max in between
func writeRange(minPath, maxPath string, r FrequencyRange) error {
	minVal := strconv.FormatInt(int64(r.Min), 10)
	maxVal := strconv.FormatInt(int64(r.Max), 10)

	curMax, err := readInt(maxPath)
	if err != nil {
		return err
	}
	if int64(r.Min) > curMax {
		if err := writeFile(maxPath, maxVal); err != nil {
			return err
		}
		return writeFile(minPath, minVal)
	}
	if err := writeFile(minPath, minVal); err != nil {
		return err
	}
	return writeFile(maxPath, maxVal)
}

// readTemperatures maps hwmon temperature labels to millidegrees; unlabeled
// sensors are keyed by their file prefix (temp1, temp2...)
func readTemperatures(hwmonPath string) (map[string]int64, error) {
	inputs, err := filepath.Glob(filepath.Join(hwmonPath, "temp*_input"))
	if err != nil {
		return nil, err
	}

	temps := make(map[string]int64, len(inputs))
	var errs error
	for _, in := range inputs {
		sensor := strings.TrimSuffix(filepath.Base(in), "_input")
		v, err := readInt(in)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		key := sensor
		if label, err := readTrim(filepath.Join(hwmonPath, sensor+"_label")); err == nil && label != "" {
			key = strings.ToLower(label)
		}
		temps[key] = v
	}
	return temps, errs
}

func firstOf(m map[string]int64, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return 0, false
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int64, error) {
	s, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func readUint(path string) (uint64, error) {
	s, err := readTrim(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func writeFile(path, value string) error {
	// sysfs attributes are truncated on open; no O_CREATE
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func normalizeHexID(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}
