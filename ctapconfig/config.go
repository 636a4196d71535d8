// Package ctapconfig loads tunable transport parameters from YAML so
// a calling application can adjust timeouts and discovery filters
// without recompiling: HID handshake/read timeouts, CCID bulk timeouts
// and retry caps, and PC/SC reader name filters.
package ctapconfig

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationMode selects which fields Validate requires. Most callers
// want ValidationFull; ValidationMinimal is for tools that only need
// discovery filters and skip transport timeout tuning.
type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationMinimal
)

// Defaults mirror the constants named throughout spec.md.
const (
	DefaultHIDInitTimeout   = 3 * time.Second
	DefaultHIDReadTimeout   = 10 * time.Second
	DefaultCCIDChunkTimeout = 5 * time.Second
	DefaultTimeExtensionCap = 30
	DefaultMatchReadCap     = 12
)

type Config struct {
	HID       HIDConfig       `yaml:"hid"`
	CCID      CCIDConfig      `yaml:"ccid"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type HIDConfig struct {
	InitTimeoutMS *int `yaml:"init_timeout_ms"`
	ReadTimeoutMS *int `yaml:"read_timeout_ms"`
}

type CCIDConfig struct {
	ChunkTimeoutMS   *int `yaml:"chunk_timeout_ms"`
	TimeExtensionCap *int `yaml:"time_extension_cap"`
	MatchReadCap     *int `yaml:"match_read_cap"`
}

type DiscoveryConfig struct {
	ReaderAllow []string `yaml:"reader_allow"`
	ReaderDeny  []string `yaml:"reader_deny"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	switch mode {
	case ValidationMinimal:
		return nil
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateDiscovery() error {
	for _, pat := range append(append([]string{}, c.Discovery.ReaderAllow...), c.Discovery.ReaderDeny...) {
		if strings.TrimSpace(pat) == "" {
			return fmt.Errorf("config.discovery reader filters must not contain empty patterns")
		}
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("config.discovery reader filter %q is not a valid pattern: %w", pat, err)
		}
	}
	return nil
}

func (c *Config) validateFullMode() error {
	if c.HID.InitTimeoutMS != nil && *c.HID.InitTimeoutMS <= 0 {
		return fmt.Errorf("config.hid.init_timeout_ms must be > 0")
	}
	if c.HID.ReadTimeoutMS != nil && *c.HID.ReadTimeoutMS <= 0 {
		return fmt.Errorf("config.hid.read_timeout_ms must be > 0")
	}
	if c.CCID.ChunkTimeoutMS != nil && *c.CCID.ChunkTimeoutMS <= 0 {
		return fmt.Errorf("config.ccid.chunk_timeout_ms must be > 0")
	}
	if c.CCID.TimeExtensionCap != nil && *c.CCID.TimeExtensionCap <= 0 {
		return fmt.Errorf("config.ccid.time_extension_cap must be > 0")
	}
	if c.CCID.MatchReadCap != nil && *c.CCID.MatchReadCap <= 0 {
		return fmt.Errorf("config.ccid.match_read_cap must be > 0")
	}
	return nil
}

// HIDInitTimeout returns the configured value or DefaultHIDInitTimeout.
func (c *Config) HIDInitTimeout() time.Duration {
	if c.HID.InitTimeoutMS == nil {
		return DefaultHIDInitTimeout
	}
	return time.Duration(*c.HID.InitTimeoutMS) * time.Millisecond
}

// HIDReadTimeout returns the configured value or DefaultHIDReadTimeout.
func (c *Config) HIDReadTimeout() time.Duration {
	if c.HID.ReadTimeoutMS == nil {
		return DefaultHIDReadTimeout
	}
	return time.Duration(*c.HID.ReadTimeoutMS) * time.Millisecond
}

// CCIDChunkTimeout returns the configured value or DefaultCCIDChunkTimeout.
func (c *Config) CCIDChunkTimeout() time.Duration {
	if c.CCID.ChunkTimeoutMS == nil {
		return DefaultCCIDChunkTimeout
	}
	return time.Duration(*c.CCID.ChunkTimeoutMS) * time.Millisecond
}

// CCIDTimeExtensionCap returns the configured value or DefaultTimeExtensionCap.
func (c *Config) CCIDTimeExtensionCap() int {
	if c.CCID.TimeExtensionCap == nil {
		return DefaultTimeExtensionCap
	}
	return *c.CCID.TimeExtensionCap
}

// CCIDMatchReadCap returns the configured value or DefaultMatchReadCap.
func (c *Config) CCIDMatchReadCap() int {
	if c.CCID.MatchReadCap == nil {
		return DefaultMatchReadCap
	}
	return *c.CCID.MatchReadCap
}

// ReaderAllowed reports whether readerName passes the configured
// allow/deny filters: deny patterns are checked first and always
// exclude a match; when an allow list is present, a reader must also
// match one of its patterns.
func (c *Config) ReaderAllowed(readerName string) bool {
	for _, pat := range c.Discovery.ReaderDeny {
		if matched, _ := regexp.MatchString(pat, readerName); matched {
			return false
		}
	}
	if len(c.Discovery.ReaderAllow) == 0 {
		return true
	}
	for _, pat := range c.Discovery.ReaderAllow {
		if matched, _ := regexp.MatchString(pat, readerName); matched {
			return true
		}
	}
	return false
}
