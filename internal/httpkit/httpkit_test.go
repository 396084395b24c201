package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func echoUserAgent() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	if c := NewClient(WithTimeout(5 * time.Second)); c.Timeout != 5*time.Second {
		t.Errorf("custom timeout = %v, want 5s", c.Timeout)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoUserAgent()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "Proxwatch/") {
		t.Errorf("User-Agent = %q, want Proxwatch/ prefix", got)
	}
}

func TestNewClient_UserAgentOverrides(t *testing.T) {
	srv := echoUserAgent()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "TestBot/1.0" {
		t.Errorf("User-Agent = %q, want TestBot/1.0", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "CustomBot/2.0")
	if got := get(t, NewClient(), req); got != "CustomBot/2.0" {
		t.Errorf("User-Agent = %q, want request header kept", got)
	}
}

func TestNewClient_TLSInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if _, err := NewClient().Get(srv.URL); err == nil {
		t.Error("self-signed certificate should be rejected by default")
	}

	resp, err := NewClient(WithTLSInsecureSkipVerify()).Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure client error = %v", err)
	}
	resp.Body.Close()
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

// flakyRoundTripper fails with a dial error for the first n calls.
type flakyRoundTripper struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		err       error
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{"success first try", 0, nil, 2, false, 1},
		{"recovers after host unreachable", 1, dialErr(syscall.EHOSTUNREACH), 2, false, 2},
		{"exhausts retries", 5, dialErr(syscall.ECONNREFUSED), 2, true, 3},
		{"no retry on reset", 1, dialErr(syscall.ECONNRESET), 2, true, 1},
		{"no retry on plain error", 1, errors.New("boom"), 2, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &flakyRoundTripper{failures: tt.failures, err: tt.err}
			c := NewClient(withRoundTripper(rt), WithRetry(tt.retries, time.Millisecond))

			resp, err := c.Get("http://unifi.invalid/")
			if resp != nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := rt.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	rt := &flakyRoundTripper{failures: 10, err: dialErr(syscall.EHOSTUNREACH)}
	c := NewClient(withRoundTripper(rt), WithRetry(5, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://unifi.invalid/", nil)

	start := time.Now()
	_, err := c.Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry delay ignored context cancellation")
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	rt := &flakyRoundTripper{failures: 1, err: dialErr(syscall.EHOSTUNREACH)}
	c := NewClient(withRoundTripper(rt), WithRetry(2, time.Millisecond))

	req, _ := http.NewRequest(http.MethodPost, "http://unifi.invalid/", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := c.Do(req); err == nil {
		t.Fatal("expected error")
	}
	if got := rt.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("controller says no, at length"))
	if got := ReadErrorBody(rc, 10); got != "controller" {
		t.Errorf("ReadErrorBody = %q, want truncated body", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
}
