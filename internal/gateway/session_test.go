package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "courierops/pkg/logx"
)

type fakeClient struct {
	mu          sync.Mutex
	identity    Identity
	identityErr error
	startErr    error
	startCalls  int
	stopCalls   int
}

func (f *fakeClient) Identity(context.Context) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.identityErr
}

func (f *fakeClient) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeClient) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeClient) SendMessage(context.Context, string, string, *Keyboard) error { return nil }

func (f *fakeClient) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

func TestSessionStartStop(t *testing.T) {
	c := &fakeClient{identity: Identity{ID: 42, Username: "courier_bot"}}
	s := NewSession(c, logx.Nop())

	if s.State() != StateStopped {
		t.Fatalf("initial state = %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateActive || !s.Active() {
		t.Fatalf("state after start = %s", s.State())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state after stop = %s", s.State())
	}
	starts, stops := c.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("starts=%d stops=%d", starts, stops)
	}
}

func TestSessionStartWhileActive(t *testing.T) {
	c := &fakeClient{}
	s := NewSession(c, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	if starts, _ := c.counts(); starts != 1 {
		t.Fatalf("client started %d times, want 1", starts)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
}

func TestSessionPreflightConflictFailsClosed(t *testing.T) {
	c := &fakeClient{identityErr: ErrConflict}
	s := NewSession(c, logx.Nop())

	if err := s.Start(context.Background()); !errors.Is(err, ErrConflict) {
		t.Fatalf("Start = %v, want ErrConflict", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", s.State())
	}
	if starts, _ := c.counts(); starts != 0 {
		t.Fatal("client must not be started after a preflight conflict")
	}
}

func TestSessionPreflightTransportErrorFailsOpen(t *testing.T) {
	c := &fakeClient{identityErr: errors.New("dial tcp: timeout")}
	s := NewSession(c, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("transport preflight failure should not block start: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", s.State())
	}
}

func TestSessionStartFailure(t *testing.T) {
	c := &fakeClient{startErr: errors.New("bad token")}
	s := NewSession(c, logx.Nop())

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start should propagate the client error")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", s.State())
	}
}

func TestSessionConflictParksInBackoff(t *testing.T) {
	c := &fakeClient{}
	s := NewSession(c, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.OnConflict()
	if s.State() != StateErrorBackoff {
		t.Fatalf("state = %s, want ERROR_BACKOFF", s.State())
	}

	// Sticky: repeated conflicts and time passing change nothing.
	s.OnConflict()
	if s.State() != StateErrorBackoff {
		t.Fatalf("state = %s, want ERROR_BACKOFF to stick", s.State())
	}

	// Operator restart is the only way out.
	waitStops(t, c, 1)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart from backoff: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE after operator restart", s.State())
	}
}

func TestSessionConflictIgnoredWhenNotActive(t *testing.T) {
	c := &fakeClient{}
	s := NewSession(c, logx.Nop())
	s.OnConflict()
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", s.State())
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	c := &fakeClient{}
	s := NewSession(c, logx.Nop())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on stopped session: %v", err)
	}
	if _, stops := c.counts(); stops != 0 {
		t.Fatal("client Stop must not be called for an already stopped session")
	}
}

// waitStops blocks until the async conflict teardown reaches the client.
func waitStops(t *testing.T, c *fakeClient, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if _, stops := c.counts(); stops >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("client stop count never reached %d", want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
