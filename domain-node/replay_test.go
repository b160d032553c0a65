package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcsoni007/syft-node/dispatch"
)

func TestReplayGuardFreshness(t *testing.T) {
	g := NewReplayGuard(ReplayConfig{MaxAgeSeconds: 60, RetentionSeconds: 120}, nil)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	at := func(ts int64) *dispatch.Message {
		msg := dispatch.NewMessage(KindPing, "", nil)
		msg.Timestamp = ts
		return msg
	}

	assert.NoError(t, g.Check(at(now.Unix())))
	assert.NoError(t, g.Check(at(now.Unix()-59)))
	assert.NoError(t, g.Check(at(now.Unix()+29)), "small clock skew is tolerated")
	assert.ErrorIs(t, g.Check(at(now.Unix()-61)), ErrStaleMessage)
	assert.ErrorIs(t, g.Check(at(now.Unix()+31)), ErrStaleMessage)
	assert.ErrorIs(t, g.Check(at(0)), ErrStaleMessage)
}

func TestReplayGuardDuplicates(t *testing.T) {
	g := NewReplayGuard(ReplayConfig{}, nil)
	_, priv := newKey(t)

	msg := signedMessage(t, priv, KindPing, dispatch.Args{"a": "b"})
	require.NoError(t, g.Check(msg))
	assert.ErrorIs(t, g.Check(msg), ErrReplayDetected)

	// Same content with a different reply address is a different message.
	redirected := *msg
	redirected.ReplyTo = "Other.inbox"
	assert.NoError(t, g.Check(&redirected))
	assert.Equal(t, 2, g.Size())
}

func TestReplayGuardPersists(t *testing.T) {
	tn := newTestNode(t)
	msg := signedMessage(t, tn.rootPriv, KindPing, nil)

	first := NewReplayGuard(ReplayConfig{}, tn.node.Store)
	require.NoError(t, first.Check(msg))

	// A new guard over the same store models a restart.
	restarted := NewReplayGuard(ReplayConfig{}, tn.node.Store)
	assert.ErrorIs(t, restarted.Check(msg), ErrReplayDetected)
	assert.ErrorIs(t, restarted.Check(msg), ErrReplayDetected)
}

func TestReplayGuardExpiresEntries(t *testing.T) {
	g := NewReplayGuard(ReplayConfig{MaxAgeSeconds: 10, RetentionSeconds: 20}, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	msg := dispatch.NewMessage(KindPing, "", nil)
	msg.Timestamp = now.Unix()
	require.NoError(t, g.Check(msg))

	now = now.Add(replayCleanupInterval + time.Second)
	other := dispatch.NewMessage(KindPing, "", nil)
	other.Timestamp = now.Unix()
	require.NoError(t, g.Check(other))
	assert.Equal(t, 1, g.Size(), "expired fingerprint pruned on the next check")
}

func TestReplayGuardDefaults(t *testing.T) {
	g := NewReplayGuard(ReplayConfig{MaxAgeSeconds: 300}, nil)
	assert.Equal(t, 300*time.Second, g.maxAge)
	assert.Equal(t, defaultReplayRetention, g.retention)

	g = NewReplayGuard(ReplayConfig{}, nil)
	assert.Equal(t, defaultReplayMaxAge, g.maxAge)
}

func TestEvictOldest(t *testing.T) {
	g := NewReplayGuard(ReplayConfig{}, nil)
	base := time.Now()
	for i := 0; i < 10; i++ {
		g.entries[[32]byte{byte(i)}] = base.Add(time.Duration(i) * time.Second)
	}
	g.evictOldestLocked(3)
	assert.Equal(t, 7, g.Size())
	_, kept := g.entries[[32]byte{3}]
	assert.True(t, kept)
	_, dropped := g.entries[[32]byte{2}]
	assert.False(t, dropped)
}
