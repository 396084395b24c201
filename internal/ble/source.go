package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/proximity"
)

// DefaultRetryDelay is how long the source waits before restarting a
// scan that ended with an error.
const DefaultRetryDelay = 10 * time.Second

const (
	// defaultCloseTimeout bounds how long Close waits for the scan to end.
	defaultCloseTimeout = 5 * time.Second

	// stopRetryInterval is how often Close repeats StopScan while a scan
	// it asked to stop is still running.
	stopRetryInterval = 25 * time.Millisecond
)

// Source turns a [Radio]'s advertisements into sightings. It implements
// the watcher's SightingSource interface.
type Source struct {
	radio        Radio
	retryDelay   time.Duration
	closeTimeout time.Duration
	logger       *slog.Logger
}

// NewSource creates a BLE sighting source. A zero retryDelay selects
// [DefaultRetryDelay].
func NewSource(radio Radio, retryDelay time.Duration, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Source{
		radio:        radio,
		retryDelay:   retryDelay,
		closeTimeout: defaultCloseTimeout,
		logger:       logger,
	}
}

// Subscribe enables the radio and starts scanning. A radio that cannot
// be enabled fails the subscription. A scan that later stops with an
// error is reported through onFailure and restarted after the retry
// delay.
func (s *Source) Subscribe(ctx context.Context, onSighting func(proximity.Sighting), onFailure func(int)) (io.Closer, error) {
	if s.radio == nil {
		return nil, errors.New("ble: no radio")
	}
	if err := s.radio.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{radio: s.radio, cancel: cancel, timeout: s.closeTimeout}

	deliver := func(adv Advertisement) {
		sub.mu.RLock()
		defer sub.mu.RUnlock()
		if sub.closed {
			return
		}
		id := proximity.NormalizeID(adv.Address)
		if id == "" {
			return
		}
		onSighting(proximity.Sighting{Identifier: id, Strength: adv.RSSI})
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			if !sub.beginScan(ctx) {
				return
			}
			err := s.radio.Scan(deliver)
			sub.endScan()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				code := scanFailureCode(err)
				s.logger.Warn("ble scan failed",
					"error", err,
					"code", code,
					"reason", proximity.ScanFailureName(code),
					"retry_in", s.retryDelay.String(),
				)
				sub.mu.RLock()
				if !sub.closed && onFailure != nil {
					onFailure(code)
				}
				sub.mu.RUnlock()
			} else {
				s.logger.Debug("ble scan ended, restarting", "retry_in", s.retryDelay.String())
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}()

	s.logger.Info("ble source scanning")
	return sub, nil
}

type subscription struct {
	radio   Radio
	cancel  context.CancelFunc
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once

	// mu gates callbacks: Close takes the write lock so it returns only
	// after every in-flight callback has finished. It also orders scan
	// starts against Close: once closed is set no new scan begins.
	mu       sync.RWMutex
	closed   bool
	scanning bool
}

// beginScan marks a scan as started unless the subscription is closing.
func (s *subscription) beginScan(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return false
	}
	s.scanning = true
	return true
}

func (s *subscription) endScan() {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}

func (s *subscription) isScanning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanning
}

// Close stops scanning and waits for the scan goroutine to exit. A radio
// only cancels a scan that is already running, so StopScan is repeated
// while a scan is marked active until it ends. If the scan has not ended
// by the close timeout, Close reports the last StopScan error. No
// callback runs after Close returns in either case.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		deadline := time.NewTimer(s.timeout)
		defer deadline.Stop()
		retry := time.NewTicker(stopRetryInterval)
		defer retry.Stop()

		var stopErr error
		for {
			if s.isScanning() {
				stopErr = s.radio.StopScan()
			}
			select {
			case <-done:
				return
			case <-deadline.C:
				if stopErr == nil {
					stopErr = errors.New("scan did not end")
				}
				err = fmt.Errorf("stop scan: %w", stopErr)
				return
			case <-retry.C:
			}
		}
	})
	return err
}

// scanFailureCode maps a radio error onto a scan failure code. BlueZ
// reports its conditions as D-Bus error names inside the message.
func scanFailureCode(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "inprogress"), strings.Contains(msg, "already"):
		return proximity.ScanAlreadyStarted
	case strings.Contains(msg, "notpermitted"), strings.Contains(msg, "notauthorized"), strings.Contains(msg, "permission"):
		return proximity.ScanRegistrationFailed
	case strings.Contains(msg, "notsupported"), strings.Contains(msg, "not supported"):
		return proximity.ScanUnsupported
	default:
		return proximity.ScanInternalError
	}
}
