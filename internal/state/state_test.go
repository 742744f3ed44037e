package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_BumpsVersionOncePerBatch(t *testing.T) {
	s := New(map[string]any{"fx.reverb.mix": 0.2})

	c := s.Commit([]Change{
		{Path: "fx.reverb.mix", Value: 0.5},
		{Path: "fx.reverb.mix", Value: 0.6},
		{Path: "fx.delay.time", Value: 0.25},
	})

	assert.Equal(t, int64(0), c.VersionBefore)
	assert.Equal(t, int64(1), c.VersionAfter)
	assert.Equal(t, []any{0.2, 0.5, nil}, c.Before)
	assert.Equal(t, []bool{true, true, false}, c.Existed)
	assert.Equal(t, int64(1), s.Version())

	v, ok := s.Snapshot().Get("fx.reverb.mix")
	require.True(t, ok)
	assert.Equal(t, 0.6, v)
}

func TestCommit_EmptyBatchKeepsVersion(t *testing.T) {
	s := New(nil)

	c := s.Commit(nil)

	assert.Equal(t, int64(0), c.VersionAfter)
	assert.Equal(t, int64(0), s.Version())
}

func TestSnapshot_IsIndependent(t *testing.T) {
	s := New(map[string]any{"a.b": 1.0})
	snap := s.Snapshot()

	snap.Values["a.b"] = 99.0
	s.Commit([]Change{{Path: "a.c", Value: true}})

	v, _ := s.Snapshot().Get("a.b")
	assert.Equal(t, 1.0, v)
	_, ok := snap.Get("a.c")
	assert.False(t, ok)
	assert.Equal(t, int64(0), snap.Version)
}

func TestLocks(t *testing.T) {
	s := New(nil)
	s.Lock("loop.voiceA")

	m, ok := s.LockedBy("loop.voiceA.recording.mode")
	assert.True(t, ok)
	assert.Equal(t, "loop.voiceA", m)

	_, ok = s.LockedBy("loop.voiceAB.volume")
	assert.False(t, ok)

	snap := s.Snapshot()
	assert.Equal(t, []string{"loop.voiceA"}, snap.Locks)
	_, ok = snap.LockedBy("loop.voiceA.volume")
	assert.True(t, ok)

	s.Unlock("loop.voiceA")
	s.Unlock("loop.voiceA")
	_, ok = s.LockedBy("loop.voiceA.volume")
	assert.False(t, ok)
}

func TestQuery(t *testing.T) {
	s := New(map[string]any{
		"fx.reverb.mix":  0.2,
		"fx.delay.time":  0.3,
		"fxx.other":      1.0,
		"loop.voiceA.on": true,
	})
	snap := s.Snapshot()

	assert.Equal(t, map[string]any{"fx.reverb.mix": 0.2, "fx.delay.time": 0.3}, snap.Query([]string{"fx"}))
	assert.Equal(t, map[string]any{"fx.reverb.mix": 0.2}, snap.Query([]string{"fx.reverb."}))
	assert.Len(t, snap.Query(nil), 4)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	s := New(map[string]any{"x.y": 0.0})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.Commit([]Change{{Path: "x.y", Value: float64(i)}})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), s.Version())
}
