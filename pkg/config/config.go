// Package config loads cellrt.toml, the settings for the development host:
// guest memory layout, heap mode, loader limits, the simulated host, the
// cell store and logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/pkg/cellstore"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/host/sim"
	"github.com/fortiblox/cellrt/pkg/resolver"
	"github.com/fortiblox/cellrt/pkg/vm"
)

// FileName is the default configuration file name.
const FileName = "cellrt.toml"

// Heap modes.
const (
	HeapImplicit = "implicit"
	HeapExplicit = "explicit"
)

// ErrInvalid indicates a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the contents of cellrt.toml.
type Config struct {
	Memory Memory `toml:"memory"`
	Heap   Heap   `toml:"heap"`
	Loader Loader `toml:"loader"`
	Host   Host   `toml:"host"`
	Store  Store  `toml:"store"`
	Log    Log    `toml:"log"`
}

// Memory is the guest address space layout.
type Memory struct {
	Size      ByteSize `toml:"size"`
	StaticEnd ByteSize `toml:"static_end"`
	Ceiling   ByteSize `toml:"ceiling"`
}

// Heap configures the guest allocator.
type Heap struct {
	Mode    string   `toml:"mode"`
	Start   ByteSize `toml:"start"`
	End     ByteSize `toml:"end"`
	Classes int      `toml:"classes"`
	Ceiling ByteSize `toml:"ceiling"`
}

// Loader configures code staging.
type Loader struct {
	StagingCapacity ByteSize `toml:"staging_capacity"`
	PageSize        ByteSize `toml:"page_size"`
	ExitEnabled     bool     `toml:"exit_enabled"`
}

// Host configures the simulated host.
type Host struct {
	Hasher    string `toml:"hasher"`
	MaxCycles uint64 `toml:"max_cycles"`
}

// Store configures the cell store.
type Store struct {
	Backend           string   `toml:"backend"`
	Path              string   `toml:"path"`
	CompressThreshold ByteSize `toml:"compress_threshold"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
}

// ByteSize is a size written either as an integer or as a string such as
// "4 MiB".
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Memory: Memory{
			Size:      vm.DefaultSize,
			StaticEnd: vm.DefaultStaticEnd,
			Ceiling:   vm.DefaultCeiling,
		},
		Heap: Heap{
			Mode:    HeapImplicit,
			Classes: heap.DefaultClasses,
		},
		Loader: Loader{
			StagingCapacity: resolver.DefaultStagingCapacity,
			PageSize:        vm.PageSize,
		},
		Host: Host{
			Hasher:    sim.HasherBlake3,
			MaxCycles: sim.CyclesDefault,
		},
		Store: Store{
			Backend:           cellstore.BackendBolt,
			Path:              "./cells.db",
			CompressThreshold: cellstore.DefaultCompressThreshold,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. Keys the configuration does not
// define are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	m := c.Memory
	if m.StaticEnd == 0 || m.StaticEnd > m.Ceiling || m.Ceiling > m.Size {
		return fmt.Errorf("%w: memory layout needs 0 < static_end <= ceiling <= size", ErrInvalid)
	}

	switch c.Heap.Mode {
	case "", HeapImplicit:
	case HeapExplicit:
		if c.Heap.Start == 0 || c.Heap.Start >= c.Heap.End || c.Heap.End > m.Size {
			return fmt.Errorf("%w: explicit heap [%d, %d) outside memory", ErrInvalid, c.Heap.Start, c.Heap.End)
		}
	default:
		return fmt.Errorf("%w: heap mode %q", ErrInvalid, c.Heap.Mode)
	}
	if c.Heap.Classes != 0 && (c.Heap.Classes < heap.MinClasses || c.Heap.Classes > heap.MaxClasses) {
		return fmt.Errorf("%w: heap classes must be in [%d, %d]", ErrInvalid, heap.MinClasses, heap.MaxClasses)
	}

	page := uint64(c.Loader.PageSize)
	if page == 0 || page&(page-1) != 0 {
		return fmt.Errorf("%w: page_size %d is not a power of two", ErrInvalid, page)
	}
	if c.Loader.StagingCapacity == 0 || uint64(c.Loader.StagingCapacity)%page != 0 {
		return fmt.Errorf("%w: staging_capacity must be a positive multiple of page_size", ErrInvalid)
	}

	if _, err := sim.NewHasher(c.Host.Hasher); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.Store.Backend {
	case cellstore.BackendBolt, cellstore.BackendBadger:
	default:
		return fmt.Errorf("%w: store backend %q", ErrInvalid, c.Store.Backend)
	}

	if _, err := c.Log.Filter(); err != nil {
		return err
	}
	return nil
}

// Filter returns the go-kit level filter for the configured level.
func (l Log) Filter() (level.Option, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
}

// NewMemory creates guest memory with the configured layout.
func (m Memory) NewMemory() (*vm.Memory, error) {
	return vm.New(uint64(m.Size), uint64(m.StaticEnd), uint64(m.Ceiling))
}

// Config returns the allocator parameters.
func (h Heap) Config() heap.Config {
	return heap.Config{Classes: h.Classes, Ceiling: uint64(h.Ceiling)}
}

// Range returns the explicit heap range, or zeros in implicit mode.
func (h Heap) Range() (start, end uint64) {
	if h.Mode != HeapExplicit {
		return 0, 0
	}
	return uint64(h.Start), uint64(h.End)
}

// SimConfig returns the simulated host settings.
func (h Host) SimConfig() (sim.Config, error) {
	hasher, err := sim.NewHasher(h.Hasher)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{Hasher: hasher, MaxCycles: h.MaxCycles}, nil
}
