// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowcore/internal/clock"
	"github.com/flowguard/flowcore/internal/config"
	"github.com/flowguard/flowcore/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Writer: &bytes.Buffer{}})
}

func newTestManager(t *testing.T) (*Manager, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.HashSize = 16
	cfg.Memcap = 1 << 20
	cfg.Prealloc = 2
	cfg.ReclaimInterval = 10 * time.Millisecond

	m := NewManager(cfg, testLogger()).WithClock(mc)
	require.NoError(t, m.Init(true))
	return m, mc
}

func TestManagerInitSeedsSpareQueue(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, 2, m.Table().pool.spareLen())
}

func TestManagerHandlePacketAndShutdownDrains(t *testing.T) {
	m, mc := newTestManager(t)
	require.NoError(t, m.Start())

	pkt := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1, 2, ipProtoUDP, mc.Now())
	h, err := m.HandlePacket(pkt)
	require.NoError(t, err)
	assert.True(t, h.Created())
	h.Release()

	assert.EqualValues(t, 1, m.Table().LiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.EqualValues(t, 0, m.Table().LiveCount())
}

func TestManagerInitFatalOnUndersizedMemcap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashSize = 65536
	cfg.Memcap = 1

	m := NewManager(cfg, testLogger())
	err := m.Init(true)
	assert.Error(t, err)
}

type fakeMirror struct {
	mu      sync.Mutex
	puts    []Tuple
	evicts  []Tuple
	putCh   chan struct{}
	evictCh chan struct{}
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{putCh: make(chan struct{}, 8), evictCh: make(chan struct{}, 8)}
}

func (f *fakeMirror) Put(tuple Tuple, verdict uint8, lastSeen time.Time) error {
	f.mu.Lock()
	f.puts = append(f.puts, tuple)
	f.mu.Unlock()
	f.putCh <- struct{}{}
	return nil
}

func (f *fakeMirror) Evict(tuple Tuple) {
	f.mu.Lock()
	f.evicts = append(f.evicts, tuple)
	f.mu.Unlock()
	f.evictCh <- struct{}{}
}

func TestManagerMirrorsEstablishedAndEvictedFlows(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.HashSize = 16
	cfg.Memcap = 1 << 20
	cfg.Prealloc = 0
	cfg.ReclaimInterval = 5 * time.Millisecond
	cfg.EnableOffload = true

	m := NewManager(cfg, testLogger()).WithClock(mc)
	mr := newFakeMirror()
	require.NoError(t, m.Init(true))
	m.SetMirror(mr)
	require.NoError(t, m.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	fwd := newFakePacket(addr4(10, 0, 0, 1), addr4(10, 0, 0, 2), 1000, 80, ipProtoTCP, mc.Now())
	h1, err := m.HandlePacket(fwd)
	require.NoError(t, err)
	h1.Release()

	rev := newFakePacket(addr4(10, 0, 0, 2), addr4(10, 0, 0, 1), 80, 1000, ipProtoTCP, mc.Now())
	h2, err := m.HandlePacket(rev)
	require.NoError(t, err)
	h2.Release()

	select {
	case <-mr.putCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mirror Put on established transition")
	}

	mc.Advance(time.Duration(TCPEstDefault+1) * time.Second)

	select {
	case <-mr.evictCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirror Evict on reclamation")
	}
}

func TestConfigFromStoreAppliesDefaults(t *testing.T) {
	cfg := ConfigFromStore(config.New(), testLogger())
	assert.Equal(t, 65536, cfg.HashSize)
	assert.EqualValues(t, 32*1024*1024, cfg.Memcap)
	assert.Equal(t, 30, cfg.EmergencyRecovery)
}
