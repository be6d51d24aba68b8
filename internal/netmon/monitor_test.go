package netmon

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testMonitor(probeURL string) *Monitor {
	return New(&Config{
		ProbeURL:      probeURL,
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
		Logger:        log.New(io.Discard, "", 0),
	})
}

// TestProbe_Reachable tests that any HTTP response counts as online
func TestProbe_Reachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testMonitor(srv.URL)
	if !m.Probe(context.Background()) {
		t.Error("Probe() = false for reachable server")
	}
	if !m.Online() {
		t.Error("Online() = false after successful probe")
	}
}

// TestProbe_ServerErrorStillOnline tests that a 5xx response is still a
// reachable network path
func TestProbe_ServerErrorStillOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := testMonitor(srv.URL)
	if !m.Probe(context.Background()) {
		t.Error("Probe() = false for 5xx response, want online")
	}
}

// TestProbe_Unreachable tests that a transport error counts as offline
func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening anymore

	m := testMonitor(url)
	if m.Probe(context.Background()) {
		t.Error("Probe() = true for closed server")
	}
}

// TestSubscribe_EdgeTriggered tests that subscribers see transitions,
// not repeated states
func TestSubscribe_EdgeTriggered(t *testing.T) {
	m := testMonitor("")
	ch := m.Subscribe()

	m.SetOnline(true)
	m.SetOnline(true) // no edge, no event
	m.SetOnline(false)

	var events []bool
	for {
		select {
		case e := <-ch:
			events = append(events, e)
		default:
			if len(events) != 2 || events[0] != true || events[1] != false {
				t.Errorf("events = %v, want [true false]", events)
			}
			return
		}
	}
}

// TestSubscribe_SlowConsumerDoesNotBlock tests that a full subscriber
// channel drops events instead of blocking SetOnline
func TestSubscribe_SlowConsumerDoesNotBlock(t *testing.T) {
	m := testMonitor("")
	_ = m.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			m.SetOnline(i%2 == 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetOnline blocked on a slow subscriber")
	}
}

// TestRun_ProbesUntilCancelled tests the probe loop lifecycle
func TestRun_ProbesUntilCancelled(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := testMonitor(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run() err = %v, want deadline exceeded", err)
	}
	if hits < 2 {
		t.Errorf("probe hits = %d, want at least the immediate probe plus one tick", hits)
	}
	if !m.Online() {
		t.Error("Online() = false after successful probes")
	}
}
