package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/matrix-web/internal/retry"
)

const (
	defaultLookupAttempts = 10
	defaultLookupDelay    = 200 * time.Millisecond
	defaultPollInterval   = time.Second
)

// Config configures a Coordinator.
type Config struct {
	// Engine is the verification surface of the live connection.
	Engine Engine
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// LookupAttempts bounds the retry loops around engine lookups.
	// Zero means the default.
	LookupAttempts uint64
	// LookupDelay is the fixed delay between lookup attempts.
	// Zero means the default.
	LookupDelay time.Duration
	// PollInterval is the reconciliation loop's wake interval.
	// Zero means the default.
	PollInterval time.Duration
}

// Coordinator owns the in-memory verification registry and the single
// active-challenge slot. The registry and the slot have independent locks;
// the reconciliation loop re-acquires them every tick instead of holding
// them across its sleep.
type Coordinator struct {
	engine         Engine
	logger         *slog.Logger
	lookupAttempts uint64
	lookupDelay    time.Duration
	pollInterval   time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	requests []*Request

	challengeMu sync.Mutex
	challenge   *Challenge
}

// NewCoordinator creates a Coordinator for one live connection.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		engine:         cfg.Engine,
		logger:         logger,
		lookupAttempts: cfg.LookupAttempts,
		lookupDelay:    cfg.LookupDelay,
		pollInterval:   cfg.PollInterval,
		done:           make(chan struct{}),
	}
	if c.lookupAttempts == 0 {
		c.lookupAttempts = defaultLookupAttempts
	}
	if c.lookupDelay == 0 {
		c.lookupDelay = defaultLookupDelay
	}
	if c.pollInterval == 0 {
		c.pollInterval = defaultPollInterval
	}
	return c
}

// Close detaches the coordinator from its connection. In-flight lookup
// loops stop retrying and report ErrClosed instead of polling the orphaned
// engine. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// HandleRequest records an inbound verification request. Duplicate events
// for an already-tracked request ID are ignored.
func (c *Coordinator) HandleRequest(requestID, otherUser, otherDevice string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.requests {
		if r.ID == requestID {
			return
		}
	}
	c.requests = append(c.requests, &Request{
		ID:          requestID,
		OtherUser:   otherUser,
		OtherDevice: otherDevice,
		Status:      StatusPending,
	})
	c.logger.Info("verification request received",
		"request_id", requestID,
		"other_user", otherUser,
		"other_device", otherDevice,
	)
}

// Requests returns a snapshot of the tracked requests.
func (c *Coordinator) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Request, len(c.requests))
	for i, r := range c.requests {
		out[i] = *r
	}
	return out
}

// ActiveChallenge returns a copy of the active SAS challenge, or nil.
func (c *Coordinator) ActiveChallenge() *Challenge {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()

	if c.challenge == nil {
		return nil
	}
	copied := *c.challenge
	return &copied
}

// Accept accepts an inbound verification request and immediately accepts
// the SAS verification it transitions into, so the challenge becomes
// computable without a separate caller round-trip. An "already accepted"
// engine error counts as success.
func (c *Coordinator) Accept(ctx context.Context, requestID, otherUser string) error {
	var pending PendingRequest
	err := retry.Do(ctx, c.lookupAttempts, c.lookupDelay, func(ctx context.Context) error {
		if c.isClosed() {
			return retry.Stop(ErrClosed)
		}
		var lookupErr error
		pending, lookupErr = c.engine.Request(ctx, otherUser, requestID)
		return lookupErr
	})
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		c.logger.Warn("verification request not found after retries",
			"request_id", requestID, "error", err)
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}

	if err := pending.Accept(ctx); err != nil && !errors.Is(err, ErrAlreadyAccepted) {
		return fmt.Errorf("accept verification request: %w", err)
	}
	c.setStatus(requestID, StatusSasOffered)

	var sas Sas
	err = retry.Do(ctx, c.lookupAttempts, c.lookupDelay, func(ctx context.Context) error {
		if c.isClosed() {
			return retry.Stop(ErrClosed)
		}
		var lookupErr error
		sas, lookupErr = c.engine.Verification(ctx, otherUser, requestID)
		return lookupErr
	})
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		c.logger.Warn("sas verification not found after retries",
			"request_id", requestID, "error", err)
		return fmt.Errorf("%w: sas for request %s", ErrNotFound, requestID)
	}

	if err := sas.Accept(ctx); err != nil && !errors.Is(err, ErrAlreadyAccepted) {
		return fmt.Errorf("accept sas verification: %w", err)
	}
	c.setStatus(requestID, StatusSasAccepted)

	c.logger.Info("verification accepted", "request_id", requestID)
	return nil
}

// Confirm confirms the SAS challenge (the operator compared the emoji or
// decimals and they matched). If the verification then reports done, the
// active challenge is cleared.
func (c *Coordinator) Confirm(ctx context.Context, requestID, otherUser string) error {
	var sas Sas
	err := retry.Do(ctx, c.lookupAttempts, c.lookupDelay, func(ctx context.Context) error {
		if c.isClosed() {
			return retry.Stop(ErrClosed)
		}
		var lookupErr error
		sas, lookupErr = c.engine.Verification(ctx, otherUser, requestID)
		return lookupErr
	})
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("%w: sas for request %s", ErrNotFound, requestID)
	}

	if err := sas.Confirm(ctx); err != nil {
		return fmt.Errorf("confirm sas verification: %w", err)
	}

	// The done state lands asynchronously after the MAC exchange; wait
	// briefly but do not fail if it has not arrived yet — the next
	// reconciliation tick will retire the request.
	waitErr := retry.Do(ctx, c.lookupAttempts, c.lookupDelay, func(ctx context.Context) error {
		if c.isClosed() {
			return retry.Stop(ErrClosed)
		}
		if sas.IsDone() {
			return nil
		}
		return errors.New("verification not done yet")
	})
	switch {
	case waitErr == nil:
		c.setStatus(requestID, StatusDone)
		c.clearChallengeFor(requestID)
		c.logger.Info("verification confirmed and done", "request_id", requestID)
	case errors.Is(waitErr, ErrClosed):
		return ErrClosed
	default:
		c.logger.Info("verification confirmed, waiting for completion", "request_id", requestID)
	}
	return nil
}

// Cancel cancels a verification in whichever form it currently exists:
// against the request object if still pending, else against the SAS object.
// If neither form exists the verification already resolved and Cancel is a
// no-op success. The request is untracked and a matching challenge cleared
// in every case.
func (c *Coordinator) Cancel(ctx context.Context, requestID, otherUser string) error {
	if c.isClosed() {
		return ErrClosed
	}

	defer func() {
		c.remove(requestID)
		c.clearChallengeFor(requestID)
	}()

	if pending, err := c.engine.Request(ctx, otherUser, requestID); err == nil {
		if err := pending.Cancel(ctx); err != nil {
			c.logger.Warn("cancel verification request failed",
				"request_id", requestID, "error", err)
		}
		return nil
	}

	if sas, err := c.engine.Verification(ctx, otherUser, requestID); err == nil {
		if err := sas.Cancel(ctx); err != nil {
			c.logger.Warn("cancel sas verification failed",
				"request_id", requestID, "error", err)
		}
		return nil
	}

	// Already resolved on the engine side; treat the cleanup as done.
	return nil
}

// Run drives the reconciliation loop until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.logger.Info("verification reconciliation loop started", "interval", c.pollInterval)
	for {
		select {
		case <-ticker.C:
			c.reconcile(ctx)
		case <-ctx.Done():
			c.logger.Info("verification reconciliation loop stopped", "reason", ctx.Err())
			return
		}
	}
}

// reconcile scans a snapshot of the tracked requests: completed ones are
// retired, presentable ones compete for the single active-challenge slot.
func (c *Coordinator) reconcile(ctx context.Context) {
	for _, req := range c.Requests() {
		sas, err := c.engine.Verification(ctx, req.OtherUser, req.ID)
		if err != nil {
			continue
		}

		if sas.IsDone() {
			c.remove(req.ID)
			c.clearChallengeFor(req.ID)
			c.logger.Info("verification completed", "request_id", req.ID)
			continue
		}

		if sas.CanPresent() {
			if c.promoteChallenge(req.ID, sas) {
				c.setStatus(req.ID, StatusSasAccepted)
			}
		}
	}
}

// promoteChallenge publishes the SAS challenge for requestID if the slot is
// free or already held by the same request.
func (c *Coordinator) promoteChallenge(requestID string, sas Sas) bool {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()

	if c.challenge != nil && c.challenge.RequestID != requestID {
		return false
	}

	challenge := &Challenge{RequestID: requestID}
	if emojis := sas.Emojis(); len(emojis) > 0 {
		challenge.Emojis = emojis
	}
	if d1, d2, d3, ok := sas.Decimals(); ok {
		challenge.Decimals = []int{d1, d2, d3}
	}
	if challenge.Emojis == nil && challenge.Decimals == nil {
		return false
	}

	if c.challenge == nil {
		c.logger.Info("sas challenge ready", "request_id", requestID)
	}
	c.challenge = challenge
	return true
}

func (c *Coordinator) setStatus(requestID string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.requests {
		if r.ID == requestID {
			r.Status = status
			return
		}
	}
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.requests {
		if r.ID == requestID {
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) clearChallengeFor(requestID string) {
	c.challengeMu.Lock()
	defer c.challengeMu.Unlock()

	if c.challenge != nil && c.challenge.RequestID == requestID {
		c.challenge = nil
	}
}
