package api

import (
	"context"
	"time"
)

// ==========================
// Per-IP rate limiting logic
// ==========================

// RequestKind separates cheap metadata lookups from endpoints that aggregate
// the whole sample table per call.
type RequestKind int

const (
	// RequestGeneral marks inexpensive lookups that still go through the
	// per-IP queue so one client cannot flood the server with concurrent
	// requests.
	RequestGeneral RequestKind = iota
	// RequestHeavy marks aggregation endpoints. A cooldown after each heavy
	// call stops a single IP from rebuilding the coverage view in a loop.
	RequestHeavy
)

// RateLimiter sequences requests per IP without mutexes: each IP gets its own
// goroutine and everything flows through channels.
type RateLimiter struct {
	heavyCooldown time.Duration
	requests      chan keyedRequest
	now           func() time.Time
}

type keyedRequest struct {
	ip  string
	req ipRequest
}

type ipRequest struct {
	ctx      context.Context
	kind     RequestKind
	response chan acquireResponse
}

type acquireResponse struct {
	release chan struct{}
	err     error
}

// Permit is an acquired slot. Release it when the handler finishes so the
// next queued request for the same IP can proceed.
type Permit struct {
	release chan struct{}
}

// Release signals the limiter goroutine that the request is done. The channel
// is nilled out so double releases are harmless.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// NewRateLimiter constructs a limiter with the provided cooldown for heavy
// endpoints and immediately starts its coordination goroutine.
func NewRateLimiter(heavyCooldown time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		heavyCooldown: heavyCooldown,
		requests:      make(chan keyedRequest),
		now:           time.Now,
	}
	go limiter.loop()
	return limiter
}

// Acquire reserves a slot for the given IP and request kind. The returned
// Permit must be released once the handler is done. A cancelled context
// returns its error instead of a permit.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}

	respCh := make(chan acquireResponse, 1)
	req := ipRequest{ctx: ctx, kind: kind, response: respCh}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- keyedRequest{ip: ip, req: req}:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.err != nil {
			return nil, resp.err
		}
		return &Permit{release: resp.release}, nil
	}
}

func (l *RateLimiter) loop() {
	workers := make(map[string]chan ipRequest)

	for keyed := range l.requests {
		ch, ok := workers[keyed.ip]
		if !ok {
			ch = make(chan ipRequest)
			workers[keyed.ip] = ch
			go l.runIPWorker(ch)
		}

		select {
		case ch <- keyed.req:
		case <-keyed.req.ctx.Done():
			keyed.req.response <- acquireResponse{err: keyed.req.ctx.Err()}
		}
	}
}

// runIPWorker serializes one IP's requests and enforces the heavy cooldown.
func (l *RateLimiter) runIPWorker(requests <-chan ipRequest) {
	var lastHeavyFinish time.Time

	for req := range requests {
		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		default:
		}

		if req.kind == RequestHeavy && !lastHeavyFinish.IsZero() {
			readyAt := lastHeavyFinish.Add(l.heavyCooldown)
			if now := l.now(); now.Before(readyAt) {
				timer := time.NewTimer(readyAt.Sub(now))
				select {
				case <-req.ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					req.response <- acquireResponse{err: req.ctx.Err()}
					continue
				case <-timer.C:
				}
			}
		}

		release := make(chan struct{})
		select {
		case <-req.ctx.Done():
			req.response <- acquireResponse{err: req.ctx.Err()}
			continue
		case req.response <- acquireResponse{release: release}:
		}

		// Wait for the handler to finish even if the client went away, so
		// the release channel never leaks.
		select {
		case <-release:
		case <-req.ctx.Done():
			<-release
		}

		if req.kind == RequestHeavy {
			lastHeavyFinish = l.now()
		}
	}
}
