// Package clock measures the offset between the device clock and the server
// clock so expiry and audit decisions never trust the raw device time.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/seedtrace/seedtrace/internal/logging"
	"github.com/seedtrace/seedtrace/internal/offline/api"
)

// Synchronizer caches a server-clock offset obtained from a timed round trip
// to the server time endpoint, assuming symmetric latency:
//
//	offset = serverTime + roundTrip/2 − localTimeAtReceipt
//
// One instance is owned per session by the composition root.
type Synchronizer struct {
	client         api.Client
	log            logging.Logger
	maxOffset      time.Duration
	resyncInterval time.Duration

	// now is the local time source, swappable in tests.
	now func() time.Time

	mu       sync.Mutex
	syncing  bool
	synced   bool
	offset   time.Duration
	lastSync time.Time
}

// New returns a Synchronizer. maxOffset is the largest |offset| still
// considered reliable; resyncInterval is the staleness threshold used by
// SyncIfStale on reconnect.
func New(client api.Client, log logging.Logger, maxOffset, resyncInterval time.Duration) *Synchronizer {
	return &Synchronizer{
		client:         client,
		log:            log,
		maxOffset:      maxOffset,
		resyncInterval: resyncInterval,
		now:            time.Now,
	}
}

// Sync measures the clock offset with one timed round trip. Concurrent calls
// collapse: while a measurement is in flight, additional callers return
// immediately. A failed measurement leaves the previous offset untouched and
// is non-fatal.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	sent := s.now()
	serverTime, err := s.client.ServerTime(ctx)
	receipt := s.now()
	if err != nil {
		s.log.Warn(ctx, "clock sync failed, keeping previous offset", "error", err)
		return err
	}

	roundTrip := receipt.Sub(sent)
	offset := serverTime.Add(roundTrip / 2).Sub(receipt)

	s.mu.Lock()
	s.offset = offset
	s.lastSync = receipt
	s.synced = true
	s.mu.Unlock()

	s.log.Info(ctx, "clock synchronized", "offset_ms", offset.Milliseconds(), "round_trip_ms", roundTrip.Milliseconds())
	return nil
}

// SyncIfStale re-measures the offset when the last successful measurement is
// older than the resync interval. Called on reconnect.
func (s *Synchronizer) SyncIfStale(ctx context.Context) {
	s.mu.Lock()
	stale := !s.synced || s.now().Sub(s.lastSync) > s.resyncInterval
	s.mu.Unlock()

	if stale {
		_ = s.Sync(ctx)
	}
}

// Now returns the local time corrected by the cached offset. Every expiry
// and audit decision uses this instead of the raw device clock.
func (s *Synchronizer) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Add(s.offset)
}

// Offset returns the cached offset.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Reliable reports whether the adjusted clock can be trusted: it is false
// when no measurement ever succeeded or when the measured offset exceeds the
// configured maximum. Safety-critical expiry checks must treat an unreliable
// clock conservatively and prefer "expired".
func (s *Synchronizer) Reliable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		return false
	}
	off := s.offset
	if off < 0 {
		off = -off
	}
	return off <= s.maxOffset
}
