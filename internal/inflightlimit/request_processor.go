/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package inflightlimit limits the number of API requests served concurrently per key.
package inflightlimit

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-quotaguard/lrucache"
)

// DefaultBacklogTimeout is how long a backlogged request waits when BacklogParams.Timeout is not set.
const DefaultBacklogTimeout = time.Second * 5

// Params describes a rejected or failed request.
type Params struct {
	Key               string
	RequestBacklogged bool
}

// RequestHandler is the transport side of an in-flight limited request.
type RequestHandler interface {
	GetContext() context.Context
	// GetKey returns the limiting key. Requests with bypass set are served without limiting.
	GetKey() (key string, bypass bool, err error)
	Execute() error
	OnReject(params Params) error
	OnError(params Params, err error) error
}

// BacklogParams configures waiting for a free slot.
// Limit is the number of requests per key that may wait (0 rejects at once).
type BacklogParams struct {
	MaxKeys int
	Limit   int
	Timeout time.Duration
}

type keySlots struct {
	inFlight chan struct{}
	// backlog admits in-flight and waiting requests together.
	backlog chan struct{}
}

// RequestProcessor serves at most limit requests per key at a time.
type RequestProcessor struct {
	slots          func(key string) *keySlots
	backlogTimeout time.Duration
	dryRun         bool
}

// NewRequestProcessor creates a RequestProcessor. In dry run mode requests never wait in the backlog.
func NewRequestProcessor(limit int, backlog BacklogParams, dryRun bool) (*RequestProcessor, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	if backlog.Limit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", backlog.Limit)
	}
	if backlog.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys for backlog should not be negative, got %d", backlog.MaxKeys)
	}

	newSlots := func() *keySlots {
		return &keySlots{
			inFlight: make(chan struct{}, limit),
			backlog:  make(chan struct{}, limit+backlog.Limit),
		}
	}
	p := &RequestProcessor{backlogTimeout: backlog.Timeout, dryRun: dryRun}
	if p.backlogTimeout == 0 {
		p.backlogTimeout = DefaultBacklogTimeout
	}
	if backlog.MaxKeys == 0 {
		shared := newSlots()
		p.slots = func(string) *keySlots { return shared }
		return p, nil
	}
	perKey, err := lrucache.New[string, *keySlots](backlog.MaxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU cache for in-flight slots: %w", err)
	}
	p.slots = func(key string) *keySlots {
		s, _ := perKey.GetOrAdd(key, newSlots)
		return s
	}
	return p, nil
}

// ProcessRequest serves, delays or rejects the request.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("get in-flight limit key: %w", err))
	}
	if bypass {
		return rh.Execute()
	}

	slots := p.slots(key)
	select {
	case slots.backlog <- struct{}{}:
		defer func() { <-slots.backlog }()
	default:
		return rh.OnReject(Params{Key: key})
	}

	if p.dryRun {
		select {
		case slots.inFlight <- struct{}{}:
			defer func() { <-slots.inFlight }()
			return rh.Execute()
		default:
			return rh.OnReject(Params{Key: key, RequestBacklogged: true})
		}
	}

	timeout := time.NewTimer(p.backlogTimeout)
	defer timeout.Stop()
	select {
	case slots.inFlight <- struct{}{}:
		defer func() { <-slots.inFlight }()
		return rh.Execute()
	case <-timeout.C:
		return rh.OnReject(Params{Key: key, RequestBacklogged: true})
	case <-rh.GetContext().Done():
		return rh.OnError(Params{Key: key, RequestBacklogged: true}, rh.GetContext().Err())
	}
}
