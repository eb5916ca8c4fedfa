// Package config loads the handful of textual settings the scheduler core
// consumes. It knows how to read a TOML document and hand back a Config
// value, but the core packages (fiber, scheduler, cthread) never touch a
// file path directly, only the resolved Config.
package config

import (
	"errors"
	"regexp"

	"github.com/BurntSushi/toml"
)

// DefaultFiberStackSize is used whenever a Fiber is constructed with a zero
// stack size and no Config overrides it.
const DefaultFiberStackSize uint32 = 128 * 1024

// ErrInvalidName is returned by Register when name contains a character
// outside the allowed configuration-key alphabet.
var ErrInvalidName = errors.New("config: invalid variable name")

var nameAlphabet = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)

// Config is the resolved configuration surface the core reads from.
//
// Only FiberStackSize is consumed by core packages today; additional
// fields may be added as derived schedulers grow their own config
// surface, without needing to touch fiber/scheduler/cthread.
type Config struct {
	// FiberStackSize is the "fiber.stack_size" variable: default per-fiber
	// stack size in bytes, used whenever Fiber construction is given 0.
	FiberStackSize uint32 `toml:"fiber.stack_size"`
}

// fileShape mirrors the nested-table form a real TOML document would use
// for a dotted key like "fiber.stack_size".
type fileShape struct {
	Fiber struct {
		StackSize uint32 `toml:"stack_size"`
	} `toml:"fiber"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{FiberStackSize: DefaultFiberStackSize}
}

// LoadFile reads a TOML document from path and returns the resolved Config,
// falling back to Default for any field left unset in the document.
func LoadFile(path string) (*Config, error) {
	var shape fileShape
	if _, err := toml.DecodeFile(path, &shape); err != nil {
		return nil, err
	}
	cfg := Default()
	if shape.Fiber.StackSize > 0 {
		cfg.FiberStackSize = shape.Fiber.StackSize
	}
	return cfg, nil
}

// Register validates a dotted configuration variable name, such as the
// core's own "fiber.stack_size", against the allowed alphabet. Derived
// schedulers registering their own variables should call this before
// publishing a name, so that invalid names fail at registration time
// rather than silently at load time.
func Register(name string) error {
	if !nameAlphabet.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Global is the process-wide active configuration. fiber.New reads
// Global.FiberStackSize whenever it is constructed with stack size 0.
// Tests and embedding applications may replace it wholesale; there is no
// lock because it is expected to be set once during process start-up,
// before any fiber is constructed — exactly like sylar's config singleton.
var Global = Default()
