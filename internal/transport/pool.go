package transport

import (
	"context"
	"fmt"
	"sync"
)

// FanOut runs fn once per host with at most size sessions in flight and
// returns one Outcome per host. A failing host never stops the others. A
// session that panics reports "session aborted", and hosts that never started
// because ctx ended report ctx's error.
func FanOut(ctx context.Context, size int, hosts []string, fn func(ctx context.Context, host string) Outcome) map[string]Outcome {
	p := newHostPool(size, len(hosts))
	for _, h := range hosts {
		if !p.acquire(ctx) {
			p.set(h, Outcome{Err: fmt.Errorf("%s: not started: %w", h, context.Cause(ctx))})
			continue
		}
		p.start(ctx, h, fn)
	}
	p.wg.Wait()
	return p.results
}

// hostPool bounds concurrent host sessions with a slot semaphore.
type hostPool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	results map[string]Outcome
}

func newHostPool(size, hosts int) *hostPool {
	if size <= 0 || size > hosts {
		size = max(hosts, 1)
	}
	return &hostPool{
		slots:   make(chan struct{}, size),
		results: make(map[string]Outcome, hosts),
	}
}

func (p *hostPool) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *hostPool) start(ctx context.Context, host string, fn func(ctx context.Context, host string) Outcome) {
	p.wg.Add(1)
	go func() {
		out := Outcome{Err: fmt.Errorf("%s: session aborted", host)}
		defer func() {
			if r := recover(); r != nil {
				out = Outcome{Err: fmt.Errorf("%s: session aborted: %v", host, r)}
			}
			p.set(host, out)
			<-p.slots
			p.wg.Done()
		}()
		out = fn(ctx, host)
	}()
}

func (p *hostPool) set(host string, o Outcome) {
	p.mu.Lock()
	p.results[host] = o
	p.mu.Unlock()
}
