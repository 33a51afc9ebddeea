package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "courierops/pkg/logx"
)

// State is the session lifecycle state.
type State string

const (
	StateStopped      State = "STOPPED"
	StateStarting     State = "STARTING"
	StateActive       State = "ACTIVE"
	StateErrorBackoff State = "ERROR_BACKOFF"
)

var (
	ErrAlreadyActive = errors.New("gateway: session already active")
	ErrBackoff       = errors.New("gateway: session in error backoff, restart required")
)

const (
	preflightTimeout = 10 * time.Second
	forceStopSettle  = 3 * time.Second
)

// Session owns the single long-poll connection to the external gateway.
//
// State machine: STOPPED -> STARTING -> ACTIVE. STARTING falls back to
// STOPPED when the preflight sees an explicit conflict. ACTIVE moves to
// ERROR_BACKOFF when the poll loop reports a conflict; ERROR_BACKOFF is
// sticky — no automatic retry, an operator restart (Stop+Start or Start)
// is required. Transport-level poll errors are absorbed without a state
// transition: the long poller retries on its own.
type Session struct {
	client Client
	log    logx.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func NewSession(client Client, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{client: client, log: log, state: StateStopped}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Active() bool { return s.State() == StateActive }

// Start brings the session up. Starting an ACTIVE session is a logged no-op.
// Starting from ERROR_BACKOFF is allowed: that is the operator restart.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateActive:
		s.mu.Unlock()
		s.log.Info("session start requested but already active")
		return ErrAlreadyActive
	case StateStarting:
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.state = StateStarting
	s.mu.Unlock()

	// Preflight identity check: an explicit conflict means another process
	// owns this credential — fail closed. A transport failure is treated as
	// "assume reachable" and we proceed, otherwise notifications would never
	// start during a gateway blip.
	pctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	id, err := s.client.Identity(pctx)
	cancel()
	switch {
	case errors.Is(err, ErrConflict):
		s.setState(StateStopped)
		s.log.Error("session preflight: credential already in use elsewhere")
		return ErrConflict
	case err != nil:
		s.log.Warn("session preflight failed, proceeding anyway", logx.Err(err))
	default:
		s.log.Info("session preflight ok", logx.Int64("bot_id", id.ID), logx.String("username", id.Username))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	if err := s.client.Start(runCtx); err != nil {
		runCancel()
		s.setState(StateStopped)
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return err
	}

	s.mu.Lock()
	s.cancel = runCancel
	s.state = StateActive
	s.mu.Unlock()
	s.log.Info("session active")
	return nil
}

// Stop tears the session down and returns it to STOPPED.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasStopped := s.state == StateStopped
	s.state = StateStopped
	s.mu.Unlock()

	if wasStopped {
		s.log.Debug("session stop requested but not running")
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := s.client.Stop(ctx)
	s.log.Info("session stopped", logx.Err(err))
	return err
}

// ForceStopAll stops the session and waits a settle period so the external
// gateway releases the long-poll slot before any restart attempt.
func (s *Session) ForceStopAll(ctx context.Context) error {
	err := s.Stop(ctx)
	t := time.NewTimer(forceStopSettle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// OnConflict is invoked by the transport adapter when the poll loop receives
// a conflict from the gateway. The session parks in ERROR_BACKOFF and never
// auto-retries: a duplicate consumer actively rejecting us means reconnect
// storms, not recovery.
func (s *Session) OnConflict() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel = nil
	s.state = StateErrorBackoff
	s.mu.Unlock()

	s.log.Error("gateway reported duplicate consumer, session parked in error backoff (manual restart required)")
	if cancel != nil {
		cancel()
	}
	go func() {
		ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = s.client.Stop(ctx)
	}()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
