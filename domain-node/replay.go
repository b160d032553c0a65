package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
)

// Replay protection errors, reported with their own wire codes
var (
	ErrReplayDetected = errors.New("replay detected")
	ErrStaleMessage   = errors.New("stale message")
)

const (
	CodeReplayDetected = "replay_detected"
	CodeStaleMessage   = "stale_message"
)

const (
	maxClockSkew           = 30 * time.Second
	maxReplayCacheSize     = 50000
	replayCleanupInterval  = 60 * time.Second
	defaultReplayMaxAge    = 300 * time.Second
	defaultReplayRetention = 600 * time.Second
)

// ProcessedLog persists message fingerprints across restarts
type ProcessedLog interface {
	MarkProcessed(messageID, kind string) (bool, error)
	CleanupProcessed(retention time.Duration) (int64, error)
}

// ReplayGuard rejects stale and duplicate messages before dispatch. A
// fingerprint covers the signed content and the signature, so the same
// request signed twice is two messages.
type ReplayGuard struct {
	maxAge    time.Duration
	retention time.Duration
	log       ProcessedLog

	entries     map[[32]byte]time.Time
	lastCleanup time.Time
	mu          sync.Mutex

	now func() time.Time
}

// NewReplayGuard creates a guard. processed may be nil for an in-memory
// guard.
func NewReplayGuard(cfg ReplayConfig, processed ProcessedLog) *ReplayGuard {
	maxAge := time.Duration(cfg.MaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = defaultReplayMaxAge
	}
	retention := time.Duration(cfg.RetentionSeconds) * time.Second
	if retention < maxAge {
		retention = max(defaultReplayRetention, 2*maxAge)
	}
	return &ReplayGuard{
		maxAge:      maxAge,
		retention:   retention,
		log:         processed,
		entries:     make(map[[32]byte]time.Time),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check admits msg once. It must run before the message is dispatched.
func (g *ReplayGuard) Check(msg *dispatch.Message) error {
	now := g.now()
	if msg.Timestamp == 0 {
		return fmt.Errorf("%w: message has no timestamp", ErrStaleMessage)
	}
	age := now.Sub(time.Unix(msg.Timestamp, 0))
	if age < -maxClockSkew {
		log.Warn().Str("id", msg.ID).Dur("age", age).Msg("SECURITY: Message timestamp in the future")
		return fmt.Errorf("%w: timestamp in the future", ErrStaleMessage)
	}
	if age > g.maxAge {
		log.Warn().Str("id", msg.ID).Dur("age", age).Msg("SECURITY: Message too old")
		return fmt.Errorf("%w: message older than %s", ErrStaleMessage, g.maxAge)
	}

	hash, err := fingerprint(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrMalformedMessage, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastCleanup) > replayCleanupInterval {
		g.cleanupLocked(now)
		g.lastCleanup = now
	}
	if _, seen := g.entries[hash]; seen {
		return g.replay(msg, hash)
	}
	if g.log != nil {
		fresh, err := g.log.MarkProcessed(hex.EncodeToString(hash[:]), string(msg.Kind))
		if err != nil {
			return fmt.Errorf("failed to record message: %w", err)
		}
		if !fresh {
			g.entries[hash] = now
			return g.replay(msg, hash)
		}
	}
	if len(g.entries) >= maxReplayCacheSize {
		g.cleanupLocked(now)
		if len(g.entries) >= maxReplayCacheSize {
			g.evictOldestLocked(len(g.entries) / 5)
		}
	}
	g.entries[hash] = now
	return nil
}

func (g *ReplayGuard) replay(msg *dispatch.Message, hash [32]byte) error {
	log.Warn().
		Str("id", msg.ID).
		Str("kind", string(msg.Kind)).
		Str("hash", hex.EncodeToString(hash[:8])).
		Msg("SECURITY: Replay attack detected - duplicate message")
	return fmt.Errorf("%w: message %s already processed", ErrReplayDetected, msg.ID)
}

// Run prunes the persisted log until ctx is done
func (g *ReplayGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(replayCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			g.cleanupLocked(g.now())
			g.mu.Unlock()
			if g.log == nil {
				continue
			}
			if n, err := g.log.CleanupProcessed(g.retention); err != nil {
				log.Warn().Err(err).Msg("Failed to prune processed messages")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("Pruned processed messages")
			}
		}
	}
}

// Size returns the number of fingerprints held in memory
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *ReplayGuard) cleanupLocked(now time.Time) {
	cutoff := now.Add(-g.retention)
	for hash, ts := range g.entries {
		if ts.Before(cutoff) {
			delete(g.entries, hash)
		}
	}
}

// evictOldestLocked drops n of the oldest fingerprints. Messages they cover
// are still rejected by the persisted log.
func (g *ReplayGuard) evictOldestLocked(n int) {
	type aged struct {
		hash [32]byte
		seen time.Time
	}
	all := make([]aged, 0, len(g.entries))
	for hash, ts := range g.entries {
		all = append(all, aged{hash, ts})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })
	for i := 0; i < n && i < len(all); i++ {
		delete(g.entries, all[i].hash)
	}
	log.Warn().Int("remaining", len(g.entries)).Msg("SECURITY: Replay cache full, evicted oldest entries")
}

func fingerprint(msg *dispatch.Message) ([32]byte, error) {
	signed, err := msg.SigningBytes()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write(signed)
	h.Write([]byte{':'})
	h.Write(msg.Signature)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
