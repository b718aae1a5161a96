// Package config holds the runtime's policy knobs: whether freed objects
// are trapped, whether one-past-the-end pointers are rewritten, and what
// happens when a check fails. Policy can be loaded from a JSON file,
// overridden from the environment, and reloaded live while the
// instrumented program runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
)

// Retention selects what happens to freed-object metadata when its pool
// is destroyed.
type Retention int

const (
	// RetainForever keeps freed-object records for the life of the
	// process so any later dangling access can still be attributed.
	// This is the default; it trades unbounded memory for
	// diagnosability.
	RetainForever Retention = iota
	// RetainNone drops a pool's freed-object records when the pool is
	// destroyed.
	RetainNone
)

// Config is the runtime policy. The zero value is all-off; use Default
// for the standard debugging posture.
type Config struct {
	// TrapDangling revokes access to freed objects' pages and
	// quarantines their nodes instead of recycling them, so stale
	// pointers fault with full provenance.
	TrapDangling bool `json:"trap_dangling"`

	// RewriteOOB rewrites exactly-one-past-the-end pointers into
	// sentinels instead of failing the bounds check.
	RewriteOOB bool `json:"rewrite_oob"`

	// TolerateExhaustion degrades sentinel-range exhaustion from fatal
	// to a warning that returns the original out-of-bounds pointer.
	TolerateExhaustion bool `json:"tolerate_exhaustion"`

	// ContinueOnFault makes a dangling-access fault restore page access
	// and resume after reporting, instead of aborting. Unsound, but
	// useful for collecting every fault in one run.
	ContinueOnFault bool `json:"continue_on_fault"`

	// Retention controls freed-object record lifetime across pool
	// destruction.
	Retention Retention `json:"retention"`
}

// Default returns the standard debug-runtime policy: trapping and
// rewriting on, everything fatal, records kept forever.
func Default() Config {
	return Config{
		TrapDangling: true,
		RewriteOOB:   true,
	}
}

// LoadFile reads a JSON policy file. Missing fields keep their zero
// values, so callers usually start from Default and overlay.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays VIGIL_* environment variables onto base. Recognized:
// VIGIL_TRAP_DANGLING, VIGIL_REWRITE_OOB, VIGIL_TOLERATE_EXHAUSTION,
// VIGIL_CONTINUE_ON_FAULT (booleans), VIGIL_RETENTION (forever|none).
func FromEnv(base Config) Config {
	boolVar := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	boolVar("VIGIL_TRAP_DANGLING", &base.TrapDangling)
	boolVar("VIGIL_REWRITE_OOB", &base.RewriteOOB)
	boolVar("VIGIL_TOLERATE_EXHAUSTION", &base.TolerateExhaustion)
	boolVar("VIGIL_CONTINUE_ON_FAULT", &base.ContinueOnFault)
	if v, ok := os.LookupEnv("VIGIL_RETENTION"); ok {
		switch v {
		case "forever":
			base.Retention = RetainForever
		case "none":
			base.Retention = RetainNone
		}
	}
	return base
}

// Store publishes the current Config to the runtime's hot paths without
// locking; readers see a consistent snapshot.
type Store struct {
	v atomic.Value
}

// NewStore creates a store holding cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Load returns the current policy snapshot.
func (s *Store) Load() Config {
	return s.v.Load().(Config)
}

// Set replaces the policy.
func (s *Store) Set(cfg Config) {
	s.v.Store(cfg)
}
