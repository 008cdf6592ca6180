// Package config loads the rvboot build configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "rvboot.yaml"

const (
	pageSize = 4096

	// sv39 splits the address space at bit 38. Lower half addresses must
	// have bits 63..38 clear, upper half addresses must have them all set.
	sv39LowLimit  = uint64(1) << 38
	sv39HighStart = uint64(0xFFFF_FFC0_0000_0000)
)

// Config is the full on-disk configuration.
type Config struct {
	// Target is the cross tool prefix, e.g. "riscv64-unknown-elf-".
	Target    string          `yaml:"target"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Stages    StagesConfig    `yaml:"stages"`
	Output    string          `yaml:"output"`
	Firmware  string          `yaml:"firmware"`
	Emulator  EmulatorConfig  `yaml:"emulator"`

	// Dir is the directory relative paths are resolved against.
	Dir string `yaml:"-"`
}

type ToolchainConfig struct {
	// Driver selects "gnu" (external cross tools) or "native" (in-process).
	Driver     string `yaml:"driver"`
	MinVersion string `yaml:"min_version"`
}

type StagesConfig struct {
	Boot   StageConfig `yaml:"boot"`
	Kernel StageConfig `yaml:"kernel"`
}

type StageConfig struct {
	Sources   []string `yaml:"sources"`
	Base      Address  `yaml:"base"`
	Entry     string   `yaml:"entry"`
	StackSize uint64   `yaml:"stack_size"`
}

type EmulatorConfig struct {
	Binary    string   `yaml:"binary"`
	Machine   string   `yaml:"machine"`
	Memory    string   `yaml:"memory"`
	Timeout   Duration `yaml:"timeout"`
	ExtraArgs []string `yaml:"extra_args"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Target: "riscv64-unknown-elf-",
		Toolchain: ToolchainConfig{
			Driver:     "gnu",
			MinVersion: "v12.0.0",
		},
		Stages: StagesConfig{
			Boot: StageConfig{
				Sources:   []string{"boot/entry.S", "boot/main.c"},
				Base:      0x8020_0000,
				Entry:     "_boot_entrypoint",
				StackSize: pageSize,
			},
			Kernel: StageConfig{
				Sources: []string{"kernel/entry.S", "kernel/main.c"},
				Base:    Address(sv39HighStart),
				Entry:   "_kernel_entrypoint",
			},
		},
		Output: "build",
		Emulator: EmulatorConfig{
			Binary:  "qemu-system-riscv64",
			Machine: "virt",
			Memory:  "128M",
		},
		Dir: ".",
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot build.
func (c *Config) Validate() error {
	switch c.Toolchain.Driver {
	case "gnu", "native":
	default:
		return fmt.Errorf("toolchain.driver %q: want gnu or native", c.Toolchain.Driver)
	}
	if c.Toolchain.MinVersion != "" && !semver.IsValid(c.Toolchain.MinVersion) {
		return fmt.Errorf("toolchain.min_version %q is not a semantic version", c.Toolchain.MinVersion)
	}
	if c.Output == "" {
		return fmt.Errorf("output must not be empty")
	}

	boot := c.Stages.Boot
	if err := boot.validate("boot"); err != nil {
		return err
	}
	if uint64(boot.Base) >= sv39LowLimit {
		return fmt.Errorf("stages.boot.base %s is not a low physical address", boot.Base)
	}
	if boot.StackSize == 0 || boot.StackSize%pageSize != 0 {
		return fmt.Errorf("stages.boot.stack_size %#x must be a positive multiple of %#x", boot.StackSize, pageSize)
	}

	kernel := c.Stages.Kernel
	if err := kernel.validate("kernel"); err != nil {
		return err
	}
	if uint64(kernel.Base) < sv39HighStart {
		return fmt.Errorf("stages.kernel.base %s is not in the sv39 upper half", kernel.Base)
	}
	if kernel.StackSize != 0 {
		return fmt.Errorf("stages.kernel.stack_size must be unset; the kernel stage has no stack region")
	}
	if boot.Entry == kernel.Entry {
		return fmt.Errorf("boot and kernel entry symbols must differ (both %q)", boot.Entry)
	}
	return nil
}

func (s StageConfig) validate(name string) error {
	if uint64(s.Base)%pageSize != 0 {
		return fmt.Errorf("stages.%s.base %s is not page aligned", name, s.Base)
	}
	if s.Entry == "" {
		return fmt.Errorf("stages.%s.entry must not be empty", name)
	}
	return nil
}

// Path resolves p against the configuration directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Address is a 64-bit address accepting decimal or 0x-prefixed YAML values.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Address.
func (a Address) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
