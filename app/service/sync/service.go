package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"tabulas/app/client/kvasir"
	"tabulas/app/config"
	"tabulas/app/profile"
	"tabulas/app/service/payload"
	"tabulas/app/service/resolver"
	"tabulas/app/vocab"

	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

// ErrUnauthorized marks a load that failed because the store rejected the
// credential. The session is over; the caller must re-authenticate, not
// retry.
var ErrUnauthorized = errors.New("credential rejected")

var _ do.Shutdownable = (*Service)(nil)

// Service is the synchronization engine: a state machine over one
// in-memory flat-state value, composed from the resolver, the payload
// builder and the changes client.
//
// Saves never trigger a refetch. The store is eventually consistent, so a
// read issued right after a write can return stale data and would clobber
// the state that was just written correctly.
type Service struct {
	cfg         *config.Config
	resolverSvc *resolver.Service
	payloadSvc  *payload.Service
	client      *kvasir.Client

	autosaveDelay time.Duration

	// opMu serializes load/save/wipe; mutating operations never overlap.
	opMu stdsync.Mutex

	mu          stdsync.Mutex
	state       EngineState
	current     profile.State
	pending     *profile.State
	lastErr     error
	generation  uint64
	timer       *time.Timer
	subscribers []chan Snapshot
	closed      bool
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return &Service{
		cfg:           cfg,
		resolverSvc:   do.MustInvoke[*resolver.Service](di),
		payloadSvc:    do.MustInvoke[*payload.Service](di),
		client:        do.MustInvoke[*kvasir.Client](di),
		autosaveDelay: time.Duration(cfg.Engine.AutosaveDelayMs) * time.Millisecond,
		state:         StateUnloaded,
	}, nil
}

// Load resolves both categories (concurrently) and transitions to Ready
// with the extracted flat state. A 401 invalidates the credential and is
// reported as ErrUnauthorized; other failures leave the prior state
// untouched and transition to LoadFailed.
func (s *Service) Load(ctx context.Context, token string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	gen := s.transition(StateLoading, nil)

	var (
		nextMu stdsync.Mutex
		next   profile.State
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, category := range vocab.Categories {
		g.Go(func() error {
			codes, err := s.resolverSvc.Load(gctx, token, category)
			if err != nil {
				return err
			}

			nextMu.Lock()
			next.SetCodes(category, codes)
			nextMu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var queryErr *kvasir.QueryError
		if errors.As(err, &queryErr) && queryErr.Unauthorized() {
			s.invalidateSession(gen)
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}

		s.fail(gen, StateLoadFailed, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		slog.Debug("Discarding stale load result")
		return nil
	}

	s.state = StateReady
	s.current = next
	s.lastErr = nil
	s.notifyLocked()

	return nil
}

// Save submits the desired state as an insert-only change. On success the
// engine becomes Ready with that state, without refetching. On failure
// the pending desired state is retained so the caller can resend the
// identical payload.
func (s *Service) Save(ctx context.Context, token string, next profile.State) error {
	next = next.Normalize()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	gen := s.generation
	s.state = StateSaving
	s.pending = &next
	s.notifyLocked()
	s.mu.Unlock()

	doc := s.payloadSvc.BuildSave(next)

	if _, err := s.client.Submit(ctx, token, doc); err != nil {
		s.fail(gen, StateSaveFailed, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		slog.Debug("Discarding stale save result")
		return nil
	}

	s.state = StateReady
	s.current = next
	// An edit that arrived mid-save stays pending; only the state that
	// actually went out is settled.
	if s.pending != nil && s.pending.Equal(next) {
		s.pending = nil
	}
	s.lastErr = nil
	s.notifyLocked()

	slog.Info("Profile saved",
		"allergies", len(next.Allergies),
		"intolerances", len(next.Intolerances))

	return nil
}

// Wipe deletes every currently discovered profile→entry edge with
// explicit per-triple deletes, then becomes Ready with an empty state.
// Skips the network call entirely when the profile has no edges.
func (s *Service) Wipe(ctx context.Context, token string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	refs := make(map[vocab.Category][]resolver.EntryRef)
	for _, category := range vocab.Categories {
		categoryRefs, err := s.resolverSvc.Refs(ctx, token, category)
		if err != nil {
			return err
		}
		refs[category] = categoryRefs
	}

	if doc, ok := s.payloadSvc.BuildWipe(refs); ok {
		if _, err := s.client.Submit(ctx, token, doc); err != nil {
			s.fail(gen, StateSaveFailed, err)
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return nil
	}

	s.state = StateReady
	s.current = profile.State{}
	s.pending = nil
	s.lastErr = nil
	s.notifyLocked()

	return nil
}

// Edit records the desired state and (re)arms the debounce timer: a burst
// of edits collapses into one Save carrying the last state. At most one
// timer is pending; each edit cancels and replaces it.
func (s *Service) Edit(token string, next profile.State) {
	next = next.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &next
	gen := s.generation

	if s.timer != nil {
		s.timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.autosaveDelay, func() {
		s.mu.Lock()
		// A later edit may have re-armed while this callback waited for
		// the lock; the field then refers to the replacement timer, which
		// must stay cancellable and owns the debounce from here on.
		if gen != s.generation || s.pending == nil || s.timer != timer {
			s.mu.Unlock()
			return
		}
		desired := *s.pending
		s.timer = nil
		s.mu.Unlock()

		if err := s.Save(context.Background(), token, desired); err != nil {
			slog.Error("Autosave failed", "error", err)
		}
	})
	s.timer = timer

	s.notifyLocked()
}

// Flush saves the pending desired state immediately, cancelling the
// debounce timer. No-op when nothing is pending.
func (s *Service) Flush(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending == nil {
		s.mu.Unlock()
		return nil
	}
	desired := *s.pending
	s.mu.Unlock()

	return s.Save(ctx, token, desired)
}

// Logout invalidates the session: in-flight results for the old
// generation are discarded when they land, and a pending debounced save
// is dropped, not flushed.
func (s *Service) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateLocked()
	s.notifyLocked()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every state
// change. Slow subscribers miss intermediate snapshots rather than block
// the engine.
func (s *Service) Subscribe() <-chan Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 8)
	s.subscribers = append(s.subscribers, ch)

	return ch
}

func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil

	return nil
}

// transition moves to a new state and returns the generation the caller
// should validate against before committing results.
func (s *Service) transition(state EngineState, err error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.lastErr = err
	s.notifyLocked()

	return s.generation
}

func (s *Service) fail(gen uint64, state EngineState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}

	s.state = state
	s.lastErr = err
	s.notifyLocked()
}

func (s *Service) invalidateSession(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}

	s.invalidateLocked()
	s.notifyLocked()
}

func (s *Service) invalidateLocked() {
	s.generation++

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.state = StateUnloaded
	s.current = profile.State{}
	s.pending = nil
	s.lastErr = nil
}

func (s *Service) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:   s.state,
		Profile: s.current,
	}

	if s.pending != nil {
		pending := *s.pending
		snapshot.Pending = &pending
	}
	if s.lastErr != nil {
		snapshot.Err = s.lastErr.Error()
	}

	return snapshot
}

func (s *Service) notifyLocked() {
	if s.closed {
		return
	}

	snapshot := s.snapshotLocked()

	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
