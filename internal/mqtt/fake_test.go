package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"
)

type publishedMsg struct {
	topic   string
	payload string
	retain  bool
}

type fakeRoute struct {
	filter  string
	fn      MessageHandler
	removed bool
}

// fakeConn is an in-memory Conn. deliver routes a message the way the
// broker connection would.
type fakeConn struct {
	mu        sync.Mutex
	published []publishedMsg
	routes    []*fakeRoute
	hooks     []func(context.Context)
}

func (f *fakeConn) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (f *fakeConn) Handle(filter string, fn MessageHandler) func() {
	r := &fakeRoute{filter: filter, fn: fn}
	f.mu.Lock()
	f.routes = append(f.routes, r)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		r.removed = true
		f.mu.Unlock()
	}
}

func (f *fakeConn) OnConnect(fn func(context.Context)) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

func (f *fakeConn) connect(ctx context.Context) {
	f.mu.Lock()
	hooks := append([]func(context.Context){}, f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

func (f *fakeConn) deliver(topic, payload string) {
	f.mu.Lock()
	var fns []MessageHandler
	for _, r := range f.routes {
		if !r.removed && matchTopic(r.filter, topic) {
			fns = append(fns, r.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(topic, []byte(payload))
	}
}

func (f *fakeConn) activeRoutes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.routes {
		if !r.removed {
			n++
		}
	}
	return n
}

// last returns the most recent message published to topic.
func (f *fakeConn) last(topic string) (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return publishedMsg{}, false
}

// waitForPayload polls until the latest message on topic is want.
func (f *fakeConn) waitForPayload(t *testing.T, topic, want string) publishedMsg {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if m, ok := f.last(topic); ok && m.payload == want {
			return m
		}
		if time.Now().After(deadline) {
			m, _ := f.last(topic)
			t.Fatalf("latest payload on %s = %q, want %q", topic, m.payload, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
