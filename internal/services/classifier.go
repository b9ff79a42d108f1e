package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/mescon/stallarr/internal/clock"
	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/logger"
)

// ReasonNeverSeenComplete is reported for downloads that never had a full source.
const ReasonNeverSeenComplete = "Never seen complete"

// Observation tracks a hash suspected of stalling across cycles.
type Observation struct {
	Hash         string    `json:"hash"`
	Name         string    `json:"name"`
	Count        int64     `json:"count"`
	LastSizeDone int64     `json:"last_size_done"`
	Reason       string    `json:"reason"`
	FirstSeen    time.Time `json:"first_seen"`
	LastChecked  time.Time `json:"last_checked"`
}

// Verdict is the outcome of one CheckStatus call. A zero Verdict means the
// download is healthy; a non-empty Reason without Stalled is a warning.
type Verdict struct {
	Stalled bool
	Reason  string
	Count   int64
}

// Warning reports whether the download is suspected but not yet stalled.
func (v Verdict) Warning() bool {
	return !v.Stalled && v.Reason != ""
}

// StallClassifier decides per hash whether a download has stalled. State lives
// for the lifetime of the process only.
type StallClassifier struct {
	clock       clock.Clock
	stallChecks int64
	stallDays   int
	grace       time.Duration

	mu           sync.RWMutex
	observations map[string]*Observation
}

// NewStallClassifier creates a classifier using the thresholds from cfg.
func NewStallClassifier(cfg *config.Config, clk clock.Clock) *StallClassifier {
	return &StallClassifier{
		clock:        clk,
		stallChecks:  int64(cfg.StallChecks),
		stallDays:    cfg.StallDays,
		grace:        cfg.RecentDownloadGracePeriod,
		observations: make(map[string]*Observation),
	}
}

// CheckStatus evaluates one download. Rules are checked in order and the
// first match decides.
func (c *StallClassifier) CheckStatus(d domain.DownloadRecord) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	// Recently added: give eMulerr time to find sources
	if d.AddedAt().After(now.Add(-c.grace)) {
		return c.clearLocked(d.Hash)
	}

	// Sources still being resolved
	if d.SourceCountPending > 0 {
		return c.clearLocked(d.Hash)
	}

	if d.Progress >= 100 {
		return c.clearLocked(d.Hash)
	}

	if obs, ok := c.observations[d.Hash]; ok && d.SizeDone != obs.LastSizeDone {
		logger.Debugf("%s is progressing again (%d -> %d bytes)", d.Name, obs.LastSizeDone, d.SizeDone)
		return c.clearLocked(d.Hash)
	}

	if d.LastSeenComplete == 0 {
		return c.observeLocked(d, ReasonNeverSeenComplete, now)
	}

	staleBefore := now.Add(-time.Duration(c.stallDays) * 24 * time.Hour).Unix()
	if d.LastSeenComplete < staleBefore {
		return c.observeLocked(d, fmt.Sprintf("Last seen complete > %d days ago", c.stallDays), now)
	}

	return c.clearLocked(d.Hash)
}

// observeLocked records one more anomalous observation of d.
func (c *StallClassifier) observeLocked(d domain.DownloadRecord, reason string, now time.Time) Verdict {
	obs, ok := c.observations[d.Hash]
	if !ok {
		c.observations[d.Hash] = &Observation{
			Hash:         d.Hash,
			Name:         d.Name,
			Count:        1,
			LastSizeDone: d.SizeDone,
			Reason:       reason,
			FirstSeen:    now,
			LastChecked:  now,
		}
		return Verdict{Stalled: 1 > c.stallChecks, Reason: reason, Count: 1}
	}

	obs.Count++
	obs.LastSizeDone = d.SizeDone
	obs.Reason = reason
	obs.LastChecked = now
	return Verdict{Stalled: obs.Count > c.stallChecks, Reason: reason, Count: obs.Count}
}

func (c *StallClassifier) clearLocked(hash string) Verdict {
	delete(c.observations, hash)
	return Verdict{}
}

// Cleanup drops observations for hashes not in active. Calling it again with
// the same set changes nothing.
func (c *StallClassifier) Cleanup(active map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, obs := range c.observations {
		if _, ok := active[hash]; !ok {
			logger.Debugf("Dropping observation for %s, no longer reported by the download client", obs.Name)
			delete(c.observations, hash)
		}
	}
}

// Forget drops the observation for hash. Used right after a removal so the
// hash is never reported as recovered.
func (c *StallClassifier) Forget(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observations, hash)
}

// Snapshot returns a copy of the current observations.
func (c *StallClassifier) Snapshot() []Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Observation, 0, len(c.observations))
	for _, obs := range c.observations {
		out = append(out, *obs)
	}
	return out
}

// Len returns the number of observed hashes.
func (c *StallClassifier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observations)
}
