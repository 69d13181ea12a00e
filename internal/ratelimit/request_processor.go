/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

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
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RequestHandler is the transport side of a rate limited request.
type RequestHandler interface {
	GetContext() context.Context
	// GetKey returns the rate limiting key. Requests with bypass set are served without limiting.
	GetKey() (key string, bypass bool, err error)
	Execute() error
	OnReject(params Params) error
	OnError(params Params, err error) error
}

// BacklogParams configures waiting of limited requests.
// Limit is the number of requests per key that may wait for their turn (0 disables waiting).
type BacklogParams struct {
	MaxKeys int
	Limit   int
	Timeout time.Duration
}

// RequestProcessor applies a Limiter to requests, optionally holding limited ones in a backlog.
type RequestProcessor struct {
	limiter        Limiter
	backlogSlots   func(key string) chan struct{}
	backlogTimeout time.Duration
}

// NewRequestProcessor creates a RequestProcessor.
func NewRequestProcessor(limiter Limiter, backlog BacklogParams) (*RequestProcessor, error) {
	if backlog.Limit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", backlog.Limit)
	}
	if backlog.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys for backlog should not be negative, got %d", backlog.MaxKeys)
	}
	p := &RequestProcessor{limiter: limiter, backlogTimeout: backlog.Timeout}
	if p.backlogTimeout == 0 {
		p.backlogTimeout = DefaultBacklogTimeout
	}
	if backlog.Limit > 0 {
		var err error
		if p.backlogSlots, err = newBacklogSlots(backlog.Limit, backlog.MaxKeys); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ProcessRequest serves, delays or rejects the request.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("get rate limit key: %w", err))
	}
	if bypass {
		return rh.Execute()
	}

	allow, retryAfter, err := p.limiter.Allow(rh.GetContext(), key)
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("rate limit: %w", err))
	}
	if allow {
		return rh.Execute()
	}
	if p.backlogSlots == nil {
		return rh.OnReject(Params{Key: key, EstimatedRetryAfter: retryAfter})
	}
	return p.waitInBacklog(rh, key, retryAfter)
}

func (p *RequestProcessor) waitInBacklog(rh RequestHandler, key string, retryAfter time.Duration) error {
	slots := p.backlogSlots(key)
	select {
	case slots <- struct{}{}:
	default:
		return rh.OnReject(Params{Key: key, EstimatedRetryAfter: retryAfter})
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-slots
		}
	}
	defer release()

	ctx := rh.GetContext()
	timeout := time.NewTimer(p.backlogTimeout)
	defer timeout.Stop()
	retry := time.NewTimer(retryAfter)
	defer retry.Stop()

	for {
		select {
		case <-retry.C:
		case <-timeout.C:
			release()
			return rh.OnReject(Params{Key: key, RequestBacklogged: true, EstimatedRetryAfter: retryAfter})
		case <-ctx.Done():
			release()
			return rh.OnError(Params{Key: key, RequestBacklogged: true, EstimatedRetryAfter: retryAfter}, ctx.Err())
		}

		allow, nextRetryAfter, err := p.limiter.Allow(ctx, key)
		if err != nil {
			release()
			return rh.OnError(Params{Key: key, RequestBacklogged: true, EstimatedRetryAfter: retryAfter},
				fmt.Errorf("rate limit: %w", err))
		}
		if allow {
			release()
			return rh.Execute()
		}
		retryAfter = nextRetryAfter
		retry.Reset(retryAfter)
	}
}

func newBacklogSlots(limit, maxKeys int) (func(key string) chan struct{}, error) {
	if maxKeys == 0 {
		shared := make(chan struct{}, limit)
		return func(string) chan struct{} { return shared }, nil
	}
	perKey, err := lrucache.New[string, chan struct{}](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU cache for backlog slots: %w", err)
	}
	return func(key string) chan struct{} {
		slots, _ := perKey.GetOrAdd(key, func() chan struct{} { return make(chan struct{}, limit) })
		return slots
	}, nil
}
