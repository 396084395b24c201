package unifi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/proximity"
)

// LostSignal is the strength reported for a station that was in the
// previous poll but has dropped off the controller's list. It sits at
// the RSSI floor so any threshold classifies it as far.
const LostSignal = -127

// SourceConfig configures the UniFi sighting source.
type SourceConfig struct {
	// Locator provides device locations from the network controller.
	Locator DeviceLocator

	// PollInterval is how often to query the controller.
	PollInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Source polls a [DeviceLocator] and reports every wireless station as
// a sighting. It implements the watcher's SightingSource interface.
type Source struct {
	cfg SourceConfig
}

// NewSource creates a UniFi sighting source.
func NewSource(cfg SourceConfig) *Source {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Source{cfg: cfg}
}

// Subscribe starts polling. The first poll runs immediately. A failed
// poll is reported through onFailure as [proximity.ScanInternalError]
// and polling continues. Close stops polling and waits for an
// in-flight poll to finish.
func (s *Source) Subscribe(ctx context.Context, onSighting func(proximity.Sighting), onFailure func(int)) (io.Closer, error) {
	if s.cfg.Locator == nil {
		return nil, errors.New("unifi: no device locator")
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &poller{
		cfg:        s.cfg,
		onSighting: onSighting,
		onFailure:  onFailure,
		seen:       make(map[string]bool),
	}

	sub := &subscription{cancel: cancel}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		p.run(ctx)
	}()

	s.cfg.Logger.Info("unifi source polling", "interval", s.cfg.PollInterval.String())
	return sub, nil
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// poller is the state of one subscription's polling loop.
type poller struct {
	cfg        SourceConfig
	onSighting func(proximity.Sighting)
	onFailure  func(int)

	// seen holds the stations reported by the last successful poll.
	seen map[string]bool
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	locations, err := p.cfg.Locator.LocateDevices(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.cfg.Logger.Warn("unifi poll failed", "error", err)
		if p.onFailure != nil {
			p.onFailure(proximity.ScanInternalError)
		}
		return
	}

	// Keep the most recently seen entry when a MAC appears twice.
	latest := make(map[string]DeviceLocation, len(locations))
	for _, loc := range locations {
		mac := proximity.NormalizeID(loc.MAC)
		if mac == "" {
			continue
		}
		if existing, ok := latest[mac]; !ok || loc.LastSeen > existing.LastSeen {
			latest[mac] = loc
		}
	}

	for mac, loc := range latest {
		p.cfg.Logger.Log(ctx, config.LevelTrace, "unifi station",
			"mac", mac,
			"ap", loc.APName,
			"signal", loc.Signal,
		)
		p.onSighting(proximity.Sighting{Identifier: mac, Strength: loc.Signal})
	}

	for mac := range p.seen {
		if _, still := latest[mac]; !still {
			p.cfg.Logger.Debug("unifi station left", "mac", mac)
			p.onSighting(proximity.Sighting{Identifier: mac, Strength: LostSignal})
		}
	}

	p.seen = make(map[string]bool, len(latest))
	for mac := range latest {
		p.seen[mac] = true
	}
}
