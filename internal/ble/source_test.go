package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/proxwatch/internal/proximity"
)

// fakeRadio replays advertisements pushed through ads until StopScan.
// Once stopped it stays stopped.
type fakeRadio struct {
	enableErr error
	scanErrs  chan error // each Scan call first takes one error, if any
	ads       chan Advertisement

	halt     chan struct{}
	haltOnce sync.Once
	scans    atomic.Int32
	stopped  atomic.Int32
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		scanErrs: make(chan error, 4),
		ads:      make(chan Advertisement),
		halt:     make(chan struct{}),
	}
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) Scan(fn func(Advertisement)) error {
	r.scans.Add(1)
	select {
	case err := <-r.scanErrs:
		return err
	default:
	}

	for {
		select {
		case <-r.halt:
			return nil
		case adv := <-r.ads:
			fn(adv)
		}
	}
}

func (r *fakeRadio) StopScan() error {
	r.stopped.Add(1)
	r.haltOnce.Do(func() { close(r.halt) })
	return nil
}

// adapterLikeRadio mirrors the tinygo adapter: StopScan only cancels a scan
// that has already registered, and fails with errNotScanning otherwise.
// registerDelay widens the gap between Scan being called and the scan
// becoming cancellable.
type adapterLikeRadio struct {
	registerDelay time.Duration

	mu       sync.Mutex
	failScan error // returned once by the next Scan
	cancel   chan struct{}

	scans atomic.Int32
	stops atomic.Int32
}

var errNotScanning = errors.New("bluetooth: there is no scan in progress")

func (r *adapterLikeRadio) Enable() error { return nil }

func (r *adapterLikeRadio) Scan(fn func(Advertisement)) error {
	r.scans.Add(1)
	time.Sleep(r.registerDelay)

	r.mu.Lock()
	if err := r.failScan; err != nil {
		r.failScan = nil
		r.mu.Unlock()
		return err
	}
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("bluetooth: a scan is already in progress")
	}
	cancel := make(chan struct{})
	r.cancel = cancel
	r.mu.Unlock()

	<-cancel
	return nil
}

func (r *adapterLikeRadio) StopScan() error {
	r.stops.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return errNotScanning
	}
	close(r.cancel)
	r.cancel = nil
	return nil
}

// stuckRadio never stops scanning and rejects every StopScan.
type stuckRadio struct {
	ads     chan Advertisement
	release chan struct{}
}

func (r *stuckRadio) Enable() error { return nil }

func (r *stuckRadio) Scan(fn func(Advertisement)) error {
	for {
		select {
		case <-r.release:
			return nil
		case adv := <-r.ads:
			fn(adv)
		}
	}
}

func (r *stuckRadio) StopScan() error { return errors.New("dbus: no reply") }

func closeWithin(t *testing.T, c interface{ Close() error }, limit time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("Close did not return within %s", limit)
		return nil
	}
}

type sightings struct {
	mu       sync.Mutex
	seen     []proximity.Sighting
	failures []int
}

func (s *sightings) sighting(v proximity.Sighting) {
	s.mu.Lock()
	s.seen = append(s.seen, v)
	s.mu.Unlock()
}

func (s *sightings) failure(code int) {
	s.mu.Lock()
	s.failures = append(s.failures, code)
	s.mu.Unlock()
}

func (s *sightings) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), len(s.failures)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribe_DeliversNormalizedSightings(t *testing.T) {
	radio := newFakeRadio()
	rec := &sightings{}

	sub, err := NewSource(radio, time.Millisecond, nil).Subscribe(context.Background(), rec.sighting, rec.failure)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	radio.ads <- Advertisement{Address: "EC:81:93:11:C4:41", RSSI: -58}
	radio.ads <- Advertisement{Address: "  ", RSSI: -40}
	radio.ads <- Advertisement{Address: "aa:bb:cc:dd:ee:ff", RSSI: -90}

	waitFor(t, "two sightings", func() bool { n, _ := rec.counts(); return n == 2 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []proximity.Sighting{
		{Identifier: "ec:81:93:11:c4:41", Strength: -58},
		{Identifier: "aa:bb:cc:dd:ee:ff", Strength: -90},
	}
	for i, w := range want {
		if rec.seen[i] != w {
			t.Errorf("sighting[%d] = %+v, want %+v", i, rec.seen[i], w)
		}
	}
}

func TestSubscribe_EnableFailure(t *testing.T) {
	radio := newFakeRadio()
	radio.enableErr = errors.New("no adapter")

	_, err := NewSource(radio, 0, nil).Subscribe(context.Background(), func(proximity.Sighting) {}, nil)
	if err == nil {
		t.Fatal("Subscribe() should fail when the radio cannot be enabled")
	}
	if radio.scans.Load() != 0 {
		t.Error("scan started on a radio that failed to enable")
	}
}

func TestSubscribe_NilRadio(t *testing.T) {
	if _, err := NewSource(nil, 0, nil).Subscribe(context.Background(), func(proximity.Sighting) {}, nil); err == nil {
		t.Error("Subscribe() with nil radio should error")
	}
}

func TestSubscribe_ScanFailureReportedAndRetried(t *testing.T) {
	radio := newFakeRadio()
	radio.scanErrs <- errors.New("org.bluez.Error.InProgress: Operation already in progress")
	rec := &sightings{}

	sub, err := NewSource(radio, time.Millisecond, nil).Subscribe(context.Background(), rec.sighting, rec.failure)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	waitFor(t, "rescan", func() bool { return radio.scans.Load() >= 2 })

	// The retried scan still delivers.
	radio.ads <- Advertisement{Address: "aa:bb", RSSI: -50}
	waitFor(t, "sighting after retry", func() bool { n, _ := rec.counts(); return n == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 || rec.failures[0] != proximity.ScanAlreadyStarted {
		t.Errorf("failures = %v, want [%d]", rec.failures, proximity.ScanAlreadyStarted)
	}
}

func TestClose_StopsScanAndIsIdempotent(t *testing.T) {
	radio := newFakeRadio()
	rec := &sightings{}

	sub, err := NewSource(radio, time.Hour, nil).Subscribe(context.Background(), rec.sighting, rec.failure)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitFor(t, "scan start", func() bool { return radio.scans.Load() == 1 })

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if got := radio.stopped.Load(); got < 1 {
		t.Error("StopScan was never called")
	}
	if got := radio.scans.Load(); got != 1 {
		t.Errorf("scans = %d after close, want 1", got)
	}
}

func TestClose_BeforeScanRegisters(t *testing.T) {
	for i := range 20 {
		radio := &adapterLikeRadio{registerDelay: 5 * time.Millisecond}
		sub, err := NewSource(radio, time.Hour, nil).Subscribe(context.Background(), func(proximity.Sighting) {}, nil)
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if err := closeWithin(t, sub, 2*time.Second); err != nil {
			t.Fatalf("run %d: Close() error = %v", i, err)
		}

		radio.mu.Lock()
		running := radio.cancel != nil
		radio.mu.Unlock()
		if running {
			t.Fatalf("run %d: scan still running after Close", i)
		}
	}
}

func TestClose_DuringRetryBackoff(t *testing.T) {
	radio := &adapterLikeRadio{failScan: errors.New("org.bluez.Error.Failed")}
	rec := &sightings{}

	sub, err := NewSource(radio, time.Hour, nil).Subscribe(context.Background(), rec.sighting, rec.failure)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitFor(t, "scan failure", func() bool { _, n := rec.counts(); return n == 1 })

	if err := closeWithin(t, sub, 2*time.Second); err != nil {
		t.Errorf("Close() error = %v, want nil with no scan running", err)
	}
	if got := radio.stops.Load(); got != 0 {
		t.Errorf("StopScan called %d times with no scan running", got)
	}
	if got := radio.scans.Load(); got != 1 {
		t.Errorf("scans = %d, want no rescan after Close", got)
	}
}

func TestClose_GivesUpOnStuckScan(t *testing.T) {
	radio := &stuckRadio{ads: make(chan Advertisement), release: make(chan struct{})}
	t.Cleanup(func() { close(radio.release) })
	rec := &sightings{}

	src := NewSource(radio, time.Hour, nil)
	src.closeTimeout = 50 * time.Millisecond
	sub, err := src.Subscribe(context.Background(), rec.sighting, rec.failure)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	radio.ads <- Advertisement{Address: "aa:bb", RSSI: -50}
	waitFor(t, "first sighting", func() bool { n, _ := rec.counts(); return n == 1 })

	err = closeWithin(t, sub, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "dbus: no reply") {
		t.Fatalf("Close() error = %v, want the StopScan failure", err)
	}

	// The scan is still delivering, but nothing reaches the caller. The
	// second send completes only after the first callback has returned.
	radio.ads <- Advertisement{Address: "aa:bb", RSSI: -40}
	radio.ads <- Advertisement{Address: "aa:bb", RSSI: -30}
	if n, _ := rec.counts(); n != 1 {
		t.Errorf("sightings = %d after Close, want 1", n)
	}
}

func TestClose_WaitsForInFlightCallback(t *testing.T) {
	radio := newFakeRadio()
	entered := make(chan struct{})
	release := make(chan struct{})
	var after atomic.Bool
	var closed atomic.Bool

	onSighting := func(proximity.Sighting) {
		if closed.Load() {
			after.Store(true)
		}
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
	}

	sub, err := NewSource(radio, time.Hour, nil).Subscribe(context.Background(), onSighting, nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	go func() { radio.ads <- Advertisement{Address: "aa:bb", RSSI: -50} }()
	<-entered

	done := make(chan struct{})
	go func() {
		sub.Close()
		closed.Store(true)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	if after.Load() {
		t.Error("callback ran after Close returned")
	}
}

func TestScanFailureCode(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"org.bluez.Error.InProgress", proximity.ScanAlreadyStarted},
		{"scan already started", proximity.ScanAlreadyStarted},
		{"org.bluez.Error.NotPermitted", proximity.ScanRegistrationFailed},
		{"org.bluez.Error.NotSupported", proximity.ScanUnsupported},
		{"dbus: connection closed", proximity.ScanInternalError},
	}
	for _, tt := range tests {
		if got := scanFailureCode(errors.New(tt.msg)); got != tt.want {
			t.Errorf("scanFailureCode(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}
