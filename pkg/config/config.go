package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/backend"
	"github.com/djeday123/gometal/core"
	"github.com/djeday123/gometal/dispatch"
	"github.com/djeday123/gometal/ops/reduce"
)

// Config holds the configuration for the gometal host runtime
type Config struct {
	Device   DeviceConfig   `json:"device"`
	Ops      OpsConfig      `json:"ops"`
	Dispatch DispatchConfig `json:"dispatch"`
	Log      LogConfig      `json:"log"`
}

// DeviceConfig selects the simulated device
type DeviceConfig struct {
	Arch          string `json:"arch"` // "grayskull" or "wormhole_b0"
	ID            int    `json:"id"`
	GridX         int    `json:"grid_x"` // 0 keeps the architecture's grid
	GridY         int    `json:"grid_y"`
	DRAMAlignment uint32 `json:"dram_alignment"` // 0 keeps the architecture's alignment
}

// OpsConfig sets operator defaults
type OpsConfig struct {
	Strategy    string `json:"strategy"` // "auto", "single_core" or "multi_core"
	PoolNBlocks uint32 `json:"pool_nblocks"`
}

// DispatchConfig configures the program queue and cache
type DispatchConfig struct {
	SlowDispatchEnv     string `json:"slow_dispatch_env"`
	RequireSlowDispatch bool   `json:"require_slow_dispatch"`
	CacheEnabled        bool   `json:"cache_enabled"`
	WarmWorkers         int    `json:"warm_workers"`
}

// LogConfig configures klog
type LogConfig struct {
	Verbosity int `json:"verbosity"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Arch: backend.WormholeB0.String(),
		},
		Ops: OpsConfig{
			Strategy:    reduce.Auto.String(),
			PoolNBlocks: 1,
		},
		Dispatch: DispatchConfig{
			SlowDispatchEnv: dispatch.DefaultSlowDispatchEnv,
			CacheEnabled:    true,
			WarmWorkers:     4,
		},
	}
}

// Load reads a JSON file over the defaults. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(core.ErrConfiguration, "config: parsing %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that is later parsed or used as a size.
func (c *Config) Validate() error {
	if _, err := backend.ParseArch(c.Device.Arch); err != nil {
		return errors.Wrap(err, "config: device.arch")
	}
	if c.Device.ID < 0 {
		return errors.Wrapf(core.ErrConfiguration, "config: device.id %d is negative", c.Device.ID)
	}
	if c.Device.GridX < 0 || c.Device.GridY < 0 || (c.Device.GridX == 0) != (c.Device.GridY == 0) {
		return errors.Wrapf(core.ErrConfiguration, "config: device grid %dx%d must be both zero or both positive", c.Device.GridX, c.Device.GridY)
	}
	if a := c.Device.DRAMAlignment; a != 0 && a&(a-1) != 0 {
		return errors.Wrapf(core.ErrConfiguration, "config: device.dram_alignment %d is not a power of two", a)
	}
	if _, err := reduce.ParseStrategy(c.Ops.Strategy); err != nil {
		return errors.Wrap(err, "config: ops.strategy")
	}
	if c.Ops.PoolNBlocks == 0 {
		return errors.Wrap(core.ErrConfiguration, "config: ops.pool_nblocks must be positive")
	}
	if c.Dispatch.WarmWorkers < 1 {
		return errors.Wrapf(core.ErrConfiguration, "config: dispatch.warm_workers %d must be positive", c.Dispatch.WarmWorkers)
	}
	if c.Log.Verbosity < 0 {
		return errors.Wrapf(core.ErrConfiguration, "config: log.verbosity %d is negative", c.Log.Verbosity)
	}
	return nil
}

// ArchSpec returns the registered spec for the device section with the grid
// and alignment overrides applied.
func (d DeviceConfig) ArchSpec() (backend.ArchSpec, error) {
	arch, err := backend.ParseArch(d.Arch)
	if err != nil {
		return backend.ArchSpec{}, err
	}
	spec, err := backend.Lookup(arch)
	if err != nil {
		return backend.ArchSpec{}, err
	}
	if d.GridX > 0 && d.GridY > 0 {
		spec.ComputeGrid = core.CoreCoord{X: d.GridX, Y: d.GridY}
	}
	if d.DRAMAlignment != 0 {
		spec.DRAMAlignment = d.DRAMAlignment
	}
	return spec, nil
}

// NewDevice opens the configured device.
func (d DeviceConfig) NewDevice() (*backend.Device, error) {
	spec, err := d.ArchSpec()
	if err != nil {
		return nil, err
	}
	return backend.NewDevice(d.ID, spec)
}

// ReduceStrategy returns the parsed default reduce strategy.
func (o OpsConfig) ReduceStrategy() (reduce.Strategy, error) {
	return reduce.ParseStrategy(o.Strategy)
}
