// Package config loads the description of the simulated machine: the number
// of CPUs, the platform memory map and the memory manager tunables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
)

// Region types accepted in configuration files.
const (
	RegionUsable   = "usable"
	RegionReserved = "reserved"
)

// Region describes one entry of the platform memory map.
type Region struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Length uint64 `toml:"length" yaml:"length"`
	Type   string `toml:"type" yaml:"type"`
}

// Config is the configuration of the simulated machine.
type Config struct {
	// CPUs is the number of online CPUs.
	CPUs int `toml:"cpus" yaml:"cpus"`

	// TLBFlushThresholdPages is the number of pages at which unmap and
	// protect operations switch to a full TLB flush.
	TLBFlushThresholdPages int `toml:"tlb_flush_threshold_pages" yaml:"tlb_flush_threshold_pages"`

	// Regions is the platform memory map.
	Regions []Region `toml:"regions" yaml:"regions"`
}

// Default returns a machine with 4 CPUs and 64 MiB of usable memory starting
// at 1 MiB.
func Default() *Config {
	return &Config{
		CPUs:                   4,
		TLBFlushThresholdPages: 32,
		Regions: []Region{
			{Base: 0, Length: 0x9fc00, Type: RegionReserved},
			{Base: 0x100000, Length: 64 << 20, Type: RegionUsable},
		},
	}
}

// Load reads the configuration from path. The format is selected by the file
// extension: ".toml", ".yaml" or ".yml". Settings missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}

	c := Default()
	c.Regions = nil

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, fmt.Errorf("unable to decode %q: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if len(c.Regions) == 0 {
		c.Regions = Default().Regions
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > cpu.MaxCPUs {
		return fmt.Errorf("cpus must be between 1 and %d, got %d", cpu.MaxCPUs, c.CPUs)
	}

	if c.TLBFlushThresholdPages < 1 {
		return errors.New("tlb_flush_threshold_pages must be at least 1")
	}

	var usable []int
	for i, r := range c.Regions {
		switch r.Type {
		case RegionUsable:
			if !mm.IsPageAligned(uintptr(r.Base)) || !mm.IsPageAligned(uintptr(r.Length)) {
				return fmt.Errorf("region %d: usable regions must be page-aligned", i)
			}
			if r.Length != 0 {
				usable = append(usable, i)
			}
		case RegionReserved:
		default:
			return fmt.Errorf("region %d: unknown type %q", i, r.Type)
		}
	}

	if len(usable) == 0 {
		return errors.New("memory map has no usable memory")
	}

	sort.Slice(usable, func(a, b int) bool { return c.Regions[usable[a]].Base < c.Regions[usable[b]].Base })
	for k := 1; k < len(usable); k++ {
		prev, cur := c.Regions[usable[k-1]], c.Regions[usable[k]]
		if cur.Base < prev.Base+prev.Length {
			return fmt.Errorf("region %d overlaps usable region %d", usable[k], usable[k-1])
		}
	}
	return nil
}

// MemoryRegions converts the configured memory map for the frame allocator.
func (c *Config) MemoryRegions() []mm.MemoryRegion {
	regions := make([]mm.MemoryRegion, len(c.Regions))
	for i, r := range c.Regions {
		regions[i] = mm.MemoryRegion{Base: r.Base, Length: r.Length, Type: mm.MemReserved}
		if r.Type == RegionUsable {
			regions[i].Type = mm.MemUsable
		}
	}
	return regions
}
