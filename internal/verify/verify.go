// Package verify tracks device-verification requests and drives the SAS
// (short authentication string) negotiation against the Matrix engine.
//
// Verification progresses through several independently-timed phases inside
// the engine that are not synchronously observable, so the coordinator polls:
// bounded-retry lookups around accept/confirm/cancel, plus a background
// reconciliation loop that promotes presentable SAS challenges into the
// single active-challenge slot and retires completed requests.
package verify

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the verification request or SAS object could not be
	// located, even after retries.
	ErrNotFound = errors.New("verify: verification not found")
	// ErrAlreadyAccepted is returned by engines when an accept races a
	// previous accept. The coordinator absorbs it as success.
	ErrAlreadyAccepted = errors.New("verify: verification already accepted")
	// ErrClosed means the coordinator's connection went away while the
	// operation was in flight.
	ErrClosed = errors.New("verify: coordinator closed")
)

// Status describes where a tracked request is in its lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSasOffered  Status = "sas_offered"
	StatusSasAccepted Status = "sas_accepted"
	StatusDone        Status = "done"
	StatusCancelled   Status = "cancelled"
)

// Request is a tracked verification request from a remote device.
type Request struct {
	ID          string `json:"id"`
	OtherUser   string `json:"other_user"`
	OtherDevice string `json:"other_device"`
	Status      Status `json:"status"`
}

// Emoji is one entry of an emoji SAS challenge.
type Emoji struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// Challenge is the currently presentable SAS challenge. At most one is
// active at a time; a second concurrent request waits for the slot.
type Challenge struct {
	RequestID string  `json:"request_id"`
	Emojis    []Emoji `json:"emojis,omitempty"`
	Decimals  []int   `json:"decimals,omitempty"`
}

// Engine is the verification surface of the Matrix connection.
type Engine interface {
	// Request looks up an inbound verification request. Returns ErrNotFound
	// while the engine has not indexed it yet.
	Request(ctx context.Context, userID, requestID string) (PendingRequest, error)
	// Verification looks up the SAS object a request transitions into.
	// Returns ErrNotFound until the transition has happened.
	Verification(ctx context.Context, userID, requestID string) (Sas, error)
}

// PendingRequest is a verification request that has not yet transitioned
// into a SAS verification.
type PendingRequest interface {
	Accept(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Sas is an in-flight SAS verification.
type Sas interface {
	Accept(ctx context.Context) error
	Confirm(ctx context.Context) error
	Cancel(ctx context.Context) error
	// CanPresent reports whether the emoji/decimal challenge is computable.
	CanPresent() bool
	Emojis() []Emoji
	Decimals() (int, int, int, bool)
	IsDone() bool
}
