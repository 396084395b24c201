package mqtt

import (
	"context"
	"sync"
	"testing"

	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/proximity"
)

func TestParseESPresense(t *testing.T) {
	const prefix = "espresense/devices"
	tests := []struct {
		name     string
		topic    string
		payload  string
		want     proximity.Sighting
		wantRoom string
		wantErr  bool
	}{
		{
			name:     "mac preferred",
			topic:    "espresense/devices/irk:abc/office",
			payload:  `{"id":"irk:abc","mac":"EC:81:93:11:C4:41","rssi":-67}`,
			want:     proximity.Sighting{Identifier: testTarget, Strength: -67},
			wantRoom: "office",
		},
		{
			name:     "bare mac",
			topic:    "espresense/devices/ec819311c441/den",
			payload:  `{"id":"x","mac":"ec819311c441","rssi":-70.6}`,
			want:     proximity.Sighting{Identifier: testTarget, Strength: -71},
			wantRoom: "den",
		},
		{
			name:     "id fallback",
			topic:    "espresense/devices/Phone-1/kitchen",
			payload:  `{"id":" Phone-1 ","rssi":-80}`,
			want:     proximity.Sighting{Identifier: "phone-1", Strength: -80},
			wantRoom: "kitchen",
		},
		{
			name:    "no rssi",
			topic:   "espresense/devices/x/den",
			payload: `{"id":"x"}`,
			wantErr: true,
		},
		{
			name:    "no id",
			topic:   "espresense/devices/x/den",
			payload: `{"rssi":-50}`,
			wantErr: true,
		},
		{
			name:    "not json",
			topic:   "espresense/devices/x/den",
			payload: `online`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, room, err := parseESPresense(prefix, tt.topic, []byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("sighting = %+v, want %+v", got, tt.want)
			}
			if room != tt.wantRoom {
				t.Errorf("room = %q, want %q", room, tt.wantRoom)
			}
		})
	}
}

func TestCanonicalMAC(t *testing.T) {
	tests := map[string]string{
		"EC:81:93:11:C4:41": testTarget,
		"ec819311c441":      testTarget,
		"EC-81-93-11-C4-41": testTarget,
		"":                  "",
	}
	for in, want := range tests {
		if got := canonicalMAC(in); got != want {
			t.Errorf("canonicalMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

type sightingRecorder struct {
	mu   sync.Mutex
	seen []proximity.Sighting
}

func (r *sightingRecorder) record(s proximity.Sighting) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *sightingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestESPresenseSource_Subscribe(t *testing.T) {
	fc := &fakeConn{}
	src := NewESPresenseSource(fc, config.ESPresenseConfig{TopicPrefix: "espresense/devices/"}, nil)

	rec := &sightingRecorder{}
	sub, err := src.Subscribe(context.Background(), rec.record, func(int) {
		t.Error("espresense never reports scan failures")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fc.deliver("espresense/devices/ec819311c441/office", `{"mac":"ec819311c441","rssi":-60}`)
	fc.deliver("espresense/devices/ec819311c441/office", `garbage`)
	fc.deliver("espresense/rooms/office/telemetry", `{"rssi":-10,"id":"x"}`)

	if rec.count() != 1 {
		t.Fatalf("sightings = %d, want 1", rec.count())
	}
	if rec.seen[0].Identifier != testTarget || rec.seen[0].Strength != -60 {
		t.Errorf("sighting = %+v", rec.seen[0])
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	fc.deliver("espresense/devices/ec819311c441/office", `{"mac":"ec819311c441","rssi":-60}`)
	if rec.count() != 1 {
		t.Errorf("sighting delivered after Close")
	}
}

func TestESPresenseSource_RateLimit(t *testing.T) {
	fc := &fakeConn{}
	limit := int64(2)
	src := NewESPresenseSource(fc, config.ESPresenseConfig{RateLimitPerMinute: &limit}, nil)

	rec := &sightingRecorder{}
	sub, err := src.Subscribe(context.Background(), rec.record, func(int) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	for range 5 {
		fc.deliver("espresense/devices/x/den", `{"id":"x","rssi":-50}`)
	}
	if rec.count() != 2 {
		t.Errorf("sightings = %d, want 2 under the rate limit", rec.count())
	}
}

// The gated handler must not deliver once Close returns, even when the
// route removal races an in-flight message.
func TestESPresenseSource_CloseRacesDelivery(t *testing.T) {
	fc := &fakeConn{}
	src := NewESPresenseSource(fc, config.ESPresenseConfig{}, nil)

	var closed sync.WaitGroup
	var mu sync.Mutex
	done := false
	late := 0

	sub, err := src.Subscribe(context.Background(), func(proximity.Sighting) {
		mu.Lock()
		if done {
			late++
		}
		mu.Unlock()
	}, func(int) {})
	if err != nil {
		t.Fatal(err)
	}

	// Capture the handler so it can be called after route removal.
	fc.mu.Lock()
	handler := fc.routes[0].fn
	fc.mu.Unlock()

	closed.Add(1)
	go func() {
		defer closed.Done()
		for range 1000 {
			handler("espresense/devices/x/den", []byte(`{"id":"x","rssi":-50}`))
		}
	}()

	sub.Close()
	mu.Lock()
	done = true
	mu.Unlock()
	closed.Wait()

	if late != 0 {
		t.Errorf("%d sightings delivered after Close returned", late)
	}
}
