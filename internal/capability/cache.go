package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// Prober supplies a fresh capability snapshot for the current device. Probes
// can be expensive (firmware queries, codec test decodes), which is why
// results are cached.
type Prober interface {
	Probe() (*Profile, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func() (*Profile, error)

// Probe calls f.
func (f ProberFunc) Probe() (*Profile, error) { return f() }

// snapshot is the on-disk cache format.
type snapshot struct {
	Signature string    `json:"signature"`
	ProbedAt  time.Time `json:"probed_at"`
	Profile   *Profile  `json:"profile"`
}

// Cache resolves the device capability profile through a TTL-bounded disk
// snapshot. A valid cached probe short-circuits the prober entirely; an
// expired or mismatched snapshot triggers a re-probe; a failed probe degrades
// to the conservative default profile.
type Cache struct {
	path   string
	ttl    time.Duration
	prober Prober
	logger *slog.Logger

	mu      sync.Mutex
	current *Profile
	now     func() time.Time
}

// NewCache creates a cache backed by the snapshot file at path. A zero ttl
// disables expiry.
func NewCache(path string, ttl time.Duration, prober Prober, logger *slog.Logger) *Cache {
	return &Cache{
		path:   path,
		ttl:    ttl,
		prober: prober,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the capability profile for this device, probing at most
// once per process and once per TTL window across processes. It never returns
// an error: probe failures fall back to the conservative default profile so
// playback can still proceed.
func (c *Cache) Resolve() *Profile {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return c.current
	}

	if cached := c.loadSnapshot(); cached != nil {
		c.current = cached
		return c.current
	}

	profile, err := c.prober.Probe()
	if err != nil || profile == nil {
		c.logger.Warn("Capability probe failed, using conservative defaults", "error", err)
		c.current = Default()
		return c.current
	}

	profile.Normalize()
	c.current = profile
	c.storeSnapshot(profile)
	return c.current
}

// Store replaces the cached profile with an externally reported one, for
// devices where the rendering layer probes and reports its own capabilities.
func (c *Cache) Store(profile *Profile) {
	if profile == nil {
		return
	}
	profile.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = profile
	c.storeSnapshot(profile)
}

// Invalidate drops the in-memory profile and removes the disk snapshot so the
// next Resolve re-probes. Used when firmware updates are detected.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = nil
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove capability snapshot: %w", err)
	}
	return nil
}

func (c *Cache) loadSnapshot() *Profile {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Profile == nil {
		c.logger.Warn("Discarding malformed capability snapshot", "path", c.path)
		return nil
	}

	if c.ttl > 0 && c.now().Sub(snap.ProbedAt) > c.ttl {
		c.logger.Debug("Capability snapshot expired", "probed_at", snap.ProbedAt)
		return nil
	}

	if snap.Signature != snap.Profile.Signature() {
		c.logger.Warn("Capability snapshot signature mismatch, re-probing")
		return nil
	}

	snap.Profile.Normalize()
	return snap.Profile
}

func (c *Cache) storeSnapshot(profile *Profile) {
	snap := snapshot{
		Signature: profile.Signature(),
		ProbedAt:  c.now(),
		Profile:   profile,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		c.logger.Warn("Failed to encode capability snapshot", "error", err)
		return
	}

	if err := atomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		c.logger.Warn("Failed to write capability snapshot", "path", c.path, "error", err)
	}
}
