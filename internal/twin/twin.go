// Package twin converges local configuration to hub desired state.
//
// Deltas are applied one at a time through gate. Delta with version not greater
// than last applied is never applied, authoritative snapshot is fetched instead.
package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/edgemod/edge"
	"github.com/temoto/edgemod/log2"
	"golang.org/x/sync/semaphore"
)

const DefaultTimeout = 30 * time.Second

type Interest = edge.DesiredInterest

// Fetcher returns authoritative full desired document from hub.
type Fetcher interface {
	FetchDesired(ctx context.Context) ([]byte, error)
}

type Options struct {
	Fetcher        Fetcher
	GateTimeout    time.Duration
	HandlerTimeout time.Duration
	Log            *log2.Log
}

type Engine struct {
	lastVersion int64 // atomic align

	fetcher        Fetcher
	gate           *semaphore.Weighted
	gateTimeout    time.Duration
	handlerTimeout time.Duration
	log            *log2.Log

	mu        sync.Mutex
	interests []Interest
	current   *DesiredState
}

func NewEngine(opt Options) *Engine {
	if opt.GateTimeout <= 0 {
		opt.GateTimeout = DefaultTimeout
	}
	if opt.HandlerTimeout <= 0 {
		opt.HandlerTimeout = DefaultTimeout
	}
	return &Engine{
		fetcher:        opt.Fetcher,
		gate:           semaphore.NewWeighted(1),
		gateTimeout:    opt.GateTimeout,
		handlerTimeout: opt.HandlerTimeout,
		log:            opt.Log,
		current:        &DesiredState{Properties: map[string]json.RawMessage{}},
	}
}

func (e *Engine) Watch(in Interest) error {
	if in.Handle == nil {
		return errors.NotValidf("desired interest property=%s handler nil", in.Property)
	}
	e.mu.Lock()
	e.interests = append(e.interests, in)
	e.mu.Unlock()
	return nil
}

func (e *Engine) LastVersion() int64 { return atomic.LoadInt64(&e.lastVersion) }

// Snapshot returns copy of observable desired state.
func (e *Engine) Snapshot() *DesiredState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Clone()
}

// Apply parses delta document and applies it, see ApplyDelta.
func (e *Engine) Apply(ctx context.Context, b []byte) error {
	delta, err := ParseDesired(b)
	if err != nil {
		e.log.Errorf("twin drop delta err=%v", err)
		return errors.Annotate(err, "twin apply")
	}
	return e.ApplyDelta(ctx, delta)
}

// ApplyDelta returns gate timeout or snapshot fetch errors.
// Handler failures are logged, never returned.
func (e *Engine) ApplyDelta(ctx context.Context, delta *DesiredState) error {
	if err := e.acquire(ctx); err != nil {
		e.log.Errorf("twin drop delta version=%d err=%v", delta.Version, err)
		return err
	}
	defer e.gate.Release(1)

	if last := e.LastVersion(); delta.Version <= last {
		e.log.Infof("twin stale delta version=%d last=%d, fetching snapshot", delta.Version, last)
		snapshot, err := e.fetch(ctx)
		if err != nil {
			e.log.Errorf("twin drop stale delta version=%d err=%v", delta.Version, err)
			return err
		}
		e.replace(ctx, snapshot)
		return nil
	}

	e.mu.Lock()
	prev := e.current
	next := prev.merge(delta)
	e.current = next
	e.mu.Unlock()
	e.runHandlers(ctx, prev, next, delta)
	old := atomic.SwapInt64(&e.lastVersion, next.Version)
	e.log.Debugf("twin applied delta version=%d previous=%d", next.Version, old)
	return nil
}

// Resync fetches snapshot and applies it when newer than last applied version.
func (e *Engine) Resync(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return errors.Annotate(err, "twin resync")
	}
	defer e.gate.Release(1)
	snapshot, err := e.fetch(ctx)
	if err != nil {
		return errors.Annotate(err, "twin resync")
	}
	if last := e.LastVersion(); snapshot.Version <= last {
		e.log.Debugf("twin resync version=%d last=%d up to date", snapshot.Version, last)
		return nil
	}
	e.replace(ctx, snapshot)
	return nil
}

// RunResync calls Resync every interval until ctx is done.
func (e *Engine) RunResync(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := e.Resync(ctx); err != nil {
				e.log.Errorf("twin resync err=%v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(ctx, e.gateTimeout)
	defer cancel()
	if err := e.gate.Acquire(gctx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.Annotate(ctx.Err(), "twin gate")
		}
		return errors.Timeoutf("twin gate (%v)", e.gateTimeout)
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context) (*DesiredState, error) {
	if e.fetcher == nil {
		return nil, errors.NotSupportedf("twin snapshot fetch")
	}
	b, err := e.fetcher.FetchDesired(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "twin fetch snapshot")
	}
	snapshot, err := ParseDesired(b)
	if err != nil {
		return nil, errors.Annotate(err, "twin fetch snapshot")
	}
	for k, v := range snapshot.Properties {
		if isDelete(v) {
			delete(snapshot.Properties, k)
		}
	}
	return snapshot, nil
}

// replace makes snapshot effective state. Gate must be held.
func (e *Engine) replace(ctx context.Context, snapshot *DesiredState) {
	e.mu.Lock()
	prev := e.current
	e.current = snapshot.Clone()
	e.mu.Unlock()
	// properties gone since previous state become deletions
	effective := snapshot.Clone()
	for k := range prev.Properties {
		if _, ok := effective.Properties[k]; !ok {
			effective.Properties[k] = nil
		}
	}
	e.runHandlers(ctx, prev, snapshot, effective)
	old := atomic.SwapInt64(&e.lastVersion, snapshot.Version)
	e.log.Infof("twin applied snapshot version=%d previous=%d", snapshot.Version, old)
}

// runHandlers invokes interests touched by effective, sequentially.
func (e *Engine) runHandlers(ctx context.Context, prev, next, effective *DesiredState) {
	e.mu.Lock()
	interests := append([]Interest(nil), e.interests...)
	e.mu.Unlock()
	for _, in := range interests {
		if in.Property == "" {
			doc, err := json.Marshal(next)
			if err != nil {
				e.log.Errorf("twin marshal err=%v", err)
				continue
			}
			e.invoke(ctx, in, doc, true)
			continue
		}
		v, touched := effective.Properties[in.Property]
		if !touched {
			continue
		}
		if !isDelete(v) {
			e.invoke(ctx, in, v, true)
			continue
		}
		if _, existed := prev.Get(in.Property); existed && in.OnDelete {
			e.invoke(ctx, in, nil, false)
		}
	}
}

// invoke runs one handler with own deadline. Handler that ignores ctx is abandoned at deadline.
func (e *Engine) invoke(ctx context.Context, in Interest, value json.RawMessage, present bool) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = e.handlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if x := recover(); x != nil {
				done <- fmt.Errorf("panic: %v\n%s", x, debug.Stack())
			}
		}()
		done <- in.Handle(hctx, value, present)
	}()
	select {
	case err := <-done:
		if err != nil {
			e.log.Errorf("twin handler property=%s err=%v", in.Property, err)
		}
	case <-hctx.Done():
		e.log.Errorf("twin handler property=%s abandoned err=%v", in.Property, hctx.Err())
	}
}

// Typed decodes property value into T before calling h.
// Zero T is passed when property was deleted.
func Typed[T any](h func(ctx context.Context, value T, present bool) error) edge.DesiredHandler {
	return func(ctx context.Context, raw json.RawMessage, present bool) error {
		var v T
		if present {
			if err := json.Unmarshal(raw, &v); err != nil {
				return errors.NotValidf("desired value=%s err=%v", string(raw), err)
			}
		}
		return h(ctx, v, present)
	}
}
