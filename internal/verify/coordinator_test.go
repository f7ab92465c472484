package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSas is a controllable Sas implementation.
type fakeSas struct {
	mu          sync.Mutex
	accepted    bool
	confirmed   bool
	cancelled   bool
	done        bool
	presentable bool
	emojis      []Emoji
	acceptErr   error
}

func (s *fakeSas) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptErr != nil {
		return s.acceptErr
	}
	s.accepted = true
	return nil
}

func (s *fakeSas) Confirm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = true
	s.done = true
	return nil
}

func (s *fakeSas) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSas) CanPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presentable
}

func (s *fakeSas) Emojis() []Emoji {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emojis
}

func (s *fakeSas) Decimals() (int, int, int, bool) { return 0, 0, 0, false }

func (s *fakeSas) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *fakeSas) setDone(done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = done
}

// fakeRequest is a controllable PendingRequest implementation.
type fakeRequest struct {
	mu        sync.Mutex
	accepted  bool
	cancelled bool
	acceptErr error
}

func (r *fakeRequest) Accept(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acceptErr != nil {
		return r.acceptErr
	}
	r.accepted = true
	return nil
}

func (r *fakeRequest) Cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	return nil
}

// fakeEngine indexes requests and SAS objects by request ID.
type fakeEngine struct {
	mu       sync.Mutex
	requests map[string]*fakeRequest
	sas      map[string]*fakeSas
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		requests: make(map[string]*fakeRequest),
		sas:      make(map[string]*fakeSas),
	}
}

func (e *fakeEngine) Request(ctx context.Context, userID, requestID string) (PendingRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.requests[requestID]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (e *fakeEngine) Verification(ctx context.Context, userID, requestID string) (Sas, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sas[requestID]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (e *fakeEngine) add(requestID string, r *fakeRequest, s *fakeSas) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r != nil {
		e.requests[requestID] = r
	}
	if s != nil {
		e.sas[requestID] = s
	}
}

func newTestCoordinator(engine Engine) *Coordinator {
	return NewCoordinator(Config{
		Engine:         engine,
		LookupAttempts: 3,
		LookupDelay:    time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
}

func TestCoordinator_AcceptAdvancesToSasAccepted(t *testing.T) {
	engine := newFakeEngine()
	req := &fakeRequest{}
	sas := &fakeSas{}
	engine.add("r1", req, sas)

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")

	if err := c.Accept(context.Background(), "r1", "@other:example.org"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if !req.accepted {
		t.Error("Expected request to be accepted")
	}
	if !sas.accepted {
		t.Error("Expected sas to be accepted")
	}
	reqs := c.Requests()
	if len(reqs) != 1 || reqs[0].Status != StatusSasAccepted {
		t.Errorf("Expected one request in sas_accepted, got %+v", reqs)
	}
}

func TestCoordinator_AcceptUnknownIDFailsNotFound(t *testing.T) {
	c := newTestCoordinator(newFakeEngine())
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")

	err := c.Accept(context.Background(), "r1", "@other:example.org")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCoordinator_AcceptAbsorbsAlreadyAccepted(t *testing.T) {
	engine := newFakeEngine()
	engine.add("r1", &fakeRequest{acceptErr: ErrAlreadyAccepted}, &fakeSas{acceptErr: ErrAlreadyAccepted})

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")

	if err := c.Accept(context.Background(), "r1", "@other:example.org"); err != nil {
		t.Fatalf("Expected already-accepted to count as success, got %v", err)
	}
}

func TestCoordinator_HandleRequestIgnoresDuplicates(t *testing.T) {
	c := newTestCoordinator(newFakeEngine())
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")

	if got := len(c.Requests()); got != 1 {
		t.Errorf("Expected 1 tracked request, got %d", got)
	}
}

func TestCoordinator_CancelPendingRemovesAndClearsChallenge(t *testing.T) {
	engine := newFakeEngine()
	req := &fakeRequest{}
	engine.add("r1", req, nil)

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")
	c.challenge = &Challenge{RequestID: "r1", Decimals: []int{1111, 2222, 3333}}

	if err := c.Cancel(context.Background(), "r1", "@other:example.org"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if !req.cancelled {
		t.Error("Expected engine request to be cancelled")
	}
	if len(c.Requests()) != 0 {
		t.Error("Expected request to be removed from tracking")
	}
	if c.ActiveChallenge() != nil {
		t.Error("Expected active challenge to be cleared")
	}
}

func TestCoordinator_CancelUnknownIsNoOpSuccess(t *testing.T) {
	c := newTestCoordinator(newFakeEngine())

	if err := c.Cancel(context.Background(), "ghost", "@other:example.org"); err != nil {
		t.Errorf("Expected no-op success for unknown cancel, got %v", err)
	}
}

func TestCoordinator_CancelSasForm(t *testing.T) {
	engine := newFakeEngine()
	sas := &fakeSas{}
	engine.add("r1", nil, sas)

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")

	if err := c.Cancel(context.Background(), "r1", "@other:example.org"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !sas.cancelled {
		t.Error("Expected sas object to be cancelled")
	}
}

func TestCoordinator_ConfirmDoneClearsChallenge(t *testing.T) {
	engine := newFakeEngine()
	sas := &fakeSas{}
	engine.add("r1", nil, sas)

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")
	c.challenge = &Challenge{RequestID: "r1", Decimals: []int{1111, 2222, 3333}}

	if err := c.Confirm(context.Background(), "r1", "@other:example.org"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if !sas.confirmed {
		t.Error("Expected sas to be confirmed")
	}
	if c.ActiveChallenge() != nil {
		t.Error("Expected active challenge to be cleared after done")
	}
}

func TestCoordinator_ConfirmUnknownFailsNotFound(t *testing.T) {
	c := newTestCoordinator(newFakeEngine())

	err := c.Confirm(context.Background(), "ghost", "@other:example.org")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCoordinator_SingleActiveChallengeSlot(t *testing.T) {
	engine := newFakeEngine()
	sas1 := &fakeSas{presentable: true, emojis: []Emoji{{Symbol: "🐶", Description: "Dog"}}}
	sas2 := &fakeSas{presentable: true, emojis: []Emoji{{Symbol: "🐱", Description: "Cat"}}}
	engine.add("r1", nil, sas1)
	engine.add("r2", nil, sas2)

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "DEV1")
	c.HandleRequest("r2", "@other:example.org", "DEV2")

	ctx := context.Background()
	c.reconcile(ctx)

	challenge := c.ActiveChallenge()
	if challenge == nil {
		t.Fatal("Expected an active challenge after reconcile")
	}
	if challenge.RequestID != "r1" {
		t.Fatalf("Expected r1 to hold the slot, got %s", challenge.RequestID)
	}

	// Slot stays with r1 while it is unresolved.
	c.reconcile(ctx)
	if got := c.ActiveChallenge(); got == nil || got.RequestID != "r1" {
		t.Fatalf("Expected slot to stay with r1, got %+v", got)
	}

	// r1 completes; the slot frees up for r2 on the next tick.
	sas1.setDone(true)
	c.reconcile(ctx)

	challenge = c.ActiveChallenge()
	if challenge == nil || challenge.RequestID != "r2" {
		t.Fatalf("Expected slot to pass to r2, got %+v", challenge)
	}
	if len(c.Requests()) != 1 {
		t.Errorf("Expected completed request to be retired, got %+v", c.Requests())
	}
}

func TestCoordinator_CloseStopsInFlightAccept(t *testing.T) {
	// Nothing indexed: Accept keeps retrying the lookup until closed.
	c := NewCoordinator(Config{
		Engine:         newFakeEngine(),
		LookupAttempts: 1000,
		LookupDelay:    5 * time.Millisecond,
	})

	result := make(chan error, 1)
	go func() {
		result <- c.Accept(context.Background(), "r1", "@other:example.org")
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Accept to stop after Close")
	}
}

func TestCoordinator_OpsAfterCloseFailClosed(t *testing.T) {
	engine := newFakeEngine()
	engine.add("r1", &fakeRequest{}, &fakeSas{})

	c := newTestCoordinator(engine)
	c.HandleRequest("r1", "@other:example.org", "OTHERDEV")
	c.Close()
	c.Close() // idempotent

	ctx := context.Background()
	if err := c.Accept(ctx, "r1", "@other:example.org"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Accept, got %v", err)
	}
	if err := c.Confirm(ctx, "r1", "@other:example.org"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Confirm, got %v", err)
	}
	if err := c.Cancel(ctx, "r1", "@other:example.org"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Cancel, got %v", err)
	}
}

func TestCoordinator_RunStopsOnContextCancel(t *testing.T) {
	c := newTestCoordinator(newFakeEngine())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to stop after context cancellation")
	}
}
