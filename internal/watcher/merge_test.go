package watcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/proxwatch/internal/proximity"
)

func TestSources_Single(t *testing.T) {
	src := &fakeSource{}
	if got := Sources(src); got != SightingSource(src) {
		t.Errorf("Sources(one) = %T, want the source itself", got)
	}
}

func TestSources_Empty(t *testing.T) {
	if _, err := Sources().Subscribe(context.Background(), func(proximity.Sighting) {}, func(int) {}); err == nil {
		t.Error("Subscribe on empty source set should error")
	}
}

func TestSources_FanIn(t *testing.T) {
	a, b := &fakeSource{}, &fakeSource{}
	l := New(Config{})
	pub := &recordingPublisher{}

	if err := l.Start(context.Background(), testOptions(), Sources(a, b), pub); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.emit("t", -60)
	b.emit("t", -85)

	if got := pub.get(); len(got) != 2 {
		t.Fatalf("published %v, want enter then leave", got)
	}

	l.Stop()
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Errorf("closes = %d/%d, want 1/1", a.closes.Load(), b.closes.Load())
	}
}

func TestSources_RollbackOnFailure(t *testing.T) {
	ok := &fakeSource{}
	bad := &fakeSource{err: errors.New("no adapter")}

	_, err := Sources(ok, bad).Subscribe(context.Background(), func(proximity.Sighting) {}, func(int) {})
	if err == nil || !strings.Contains(err.Error(), "source 1") {
		t.Fatalf("Subscribe() error = %v, want source 1 failure", err)
	}
	if ok.closes.Load() != 1 {
		t.Errorf("opened source closes = %d, want 1", ok.closes.Load())
	}
}

func TestSources_CloseJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &fakeSource{closeErr: errA}
	b := &fakeSource{closeErr: errB}

	sub, err := Sources(a, b).Subscribe(context.Background(), func(proximity.Sighting) {}, func(int) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	err = sub.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Close() error = %v, want both", err)
	}
}

func TestControls(t *testing.T) {
	if Controls() != nil {
		t.Error("Controls() with none should be nil")
	}

	one := &fakeControl{}
	if Controls(one) != StopControl(one) {
		t.Error("Controls(one) should return the control itself")
	}

	a, b := &fakeControl{}, &fakeControl{}
	var got []string
	reg, err := Controls(a, b).Listen(func(action string) { got = append(got, action) })
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	a.send("stop")
	b.send("pause")
	if len(got) != 2 || got[0] != "stop" || got[1] != "pause" {
		t.Errorf("handled %v, want [stop pause]", got)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Errorf("closes = %d/%d, want 1/1", a.closes.Load(), b.closes.Load())
	}
}

func TestControls_RollbackOnFailure(t *testing.T) {
	ok := &fakeControl{}
	bad := &fakeControl{err: errors.New("broker down")}

	if _, err := Controls(ok, bad).Listen(func(string) {}); err == nil {
		t.Fatal("Listen() should fail")
	}
	if ok.closes.Load() != 1 {
		t.Errorf("registered control closes = %d, want 1", ok.closes.Load())
	}
}
