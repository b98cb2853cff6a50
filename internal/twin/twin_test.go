package twin

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/edgemod/log2"
)

type fetchFunc func(ctx context.Context) ([]byte, error)

func (f fetchFunc) FetchDesired(ctx context.Context) ([]byte, error) { return f(ctx) }

type call struct {
	property string
	value    string
	present  bool
}

type recorder struct {
	sync.Mutex
	calls []call
}

func (r *recorder) interest(property string, onDelete bool) Interest {
	return Interest{Property: property, OnDelete: onDelete, Handle: func(ctx context.Context, v json.RawMessage, present bool) error {
		r.Lock()
		r.calls = append(r.calls, call{property, string(v), present})
		r.Unlock()
		return nil
	}}
}

func (r *recorder) take() []call {
	r.Lock()
	defer r.Unlock()
	cs := r.calls
	r.calls = nil
	return cs
}

func mustApply(t testing.TB, e *Engine, doc string) {
	require.NoError(t, e.Apply(context.Background(), []byte(doc)))
}

func TestParseDesired(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		expect *DesiredState
		valid  bool
	}{
		{"ok", `{"$version":3,"a":1,"b":{"x":"y"}}`, &DesiredState{Version: 3, Properties: map[string]json.RawMessage{
			"a": json.RawMessage(`1`), "b": json.RawMessage(`{"x":"y"}`)}}, true},
		{"deletion", `{"$version":4,"a":null}`, &DesiredState{Version: 4, Properties: map[string]json.RawMessage{
			"a": json.RawMessage(`null`)}}, true},
		{"no-version", `{"a":1}`, nil, false},
		{"bad-version", `{"$version":"x"}`, nil, false},
		{"not-object", `[1]`, nil, false},
		{"null", `null`, nil, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ds, err := ParseDesired([]byte(c.input))
			if !c.valid {
				assert.True(t, errors.IsNotValid(err), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, ds)
		})
	}
}

func TestApplyInOrder(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{Log: log2.NewTest(t, log2.LDebug)})
	r := &recorder{}
	require.NoError(t, e.Watch(r.interest("a", false)))
	require.NoError(t, e.Watch(r.interest("b", true)))

	mustApply(t, e, `{"$version":1,"a":1,"b":"x"}`)
	assert.Equal(t, []call{{"a", "1", true}, {"b", `"x"`, true}}, r.take())
	assert.Equal(t, int64(1), e.LastVersion())

	mustApply(t, e, `{"$version":2,"a":2}`)
	assert.Equal(t, []call{{"a", "2", true}}, r.take())

	mustApply(t, e, `{"$version":3,"a":null,"b":null}`)
	// a has no deletion interest
	assert.Equal(t, []call{{"b", "", false}}, r.take())
	assert.Equal(t, int64(3), e.LastVersion())
	assert.Empty(t, e.Snapshot().Properties)
}

func TestStaleDeltaFetchesSnapshot(t *testing.T) {
	t.Parallel()
	fetches := int32(0)
	e := NewEngine(Options{
		Log: log2.NewTest(t, log2.LDebug),
		Fetcher: fetchFunc(func(ctx context.Context) ([]byte, error) {
			atomic.AddInt32(&fetches, 1)
			return []byte(`{"$version":7,"a":"fresh"}`), nil
		}),
	})
	r := &recorder{}
	require.NoError(t, e.Watch(r.interest("a", true)))
	require.NoError(t, e.Watch(r.interest("gone", true)))
	mustApply(t, e, `{"$version":5,"a":"five","gone":true}`)
	r.take()

	mustApply(t, e, `{"$version":3,"a":"stale"}`)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	v, ok := e.Snapshot().Get("a")
	require.True(t, ok)
	assert.Equal(t, `"fresh"`, string(v))
	_, ok = e.Snapshot().Get("gone")
	assert.False(t, ok)
	assert.Equal(t, int64(7), e.LastVersion())
	calls := r.take()
	assert.ElementsMatch(t, []call{{"a", `"fresh"`, true}, {"gone", "", false}}, calls)
	for _, c := range calls {
		assert.NotEqual(t, `"stale"`, c.value)
	}

	// equal version is stale too
	mustApply(t, e, `{"$version":7,"a":"again"}`)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
	v, _ = e.Snapshot().Get("a")
	assert.Equal(t, `"fresh"`, string(v))
}

func TestStaleDeltaFetchError(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{
		Log: log2.NewTest(t, log2.LDebug),
		Fetcher: fetchFunc(func(ctx context.Context) ([]byte, error) {
			return nil, errors.Timeoutf("hub")
		}),
	})
	mustApply(t, e, `{"$version":2,"a":1}`)
	err := e.Apply(context.Background(), []byte(`{"$version":1,"a":0}`))
	assert.True(t, errors.IsTimeout(errors.Cause(err)), errors.ErrorStack(err))
	v, _ := e.Snapshot().Get("a")
	assert.Equal(t, "1", string(v))
	assert.Equal(t, int64(2), e.LastVersion())
}

func TestHandlerFailuresIsolated(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{Log: log2.NewTest(t, log2.LDebug), HandlerTimeout: 50 * time.Millisecond})
	r := &recorder{}
	require.NoError(t, e.Watch(Interest{Property: "a", Handle: func(context.Context, json.RawMessage, bool) error {
		return errors.New("broken")
	}}))
	require.NoError(t, e.Watch(Interest{Property: "a", Handle: func(context.Context, json.RawMessage, bool) error {
		panic("worse")
	}}))
	require.NoError(t, e.Watch(Interest{Property: "a", Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, _ json.RawMessage, _ bool) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, e.Watch(r.interest("a", false)))
	mustApply(t, e, `{"$version":1,"a":42}`)
	assert.Equal(t, []call{{"a", "42", true}}, r.take())
	assert.Equal(t, int64(1), e.LastVersion())
}

func TestWholeDocumentHandler(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{Log: log2.NewTest(t, log2.LDebug)})
	var docs []string
	require.NoError(t, e.Watch(Interest{Handle: func(_ context.Context, v json.RawMessage, present bool) error {
		assert.True(t, present)
		docs = append(docs, string(v))
		return nil
	}}))
	mustApply(t, e, `{"$version":1,"a":1}`)
	mustApply(t, e, `{"$version":2,"b":2}`)
	require.Len(t, docs, 2)
	assert.JSONEq(t, `{"$version":2,"a":1,"b":2}`, docs[1])
}

func TestGateSerializesAndTimesOut(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{Log: log2.NewTest(t, log2.LDebug), GateTimeout: 30 * time.Millisecond})
	release := make(chan struct{})
	entered := make(chan struct{})
	var active, maxActive int32
	require.NoError(t, e.Watch(Interest{Property: "slow", Handle: func(ctx context.Context, _ json.RawMessage, _ bool) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		close(entered)
		<-release
		return nil
	}}))
	go func() { _ = e.Apply(context.Background(), []byte(`{"$version":1,"slow":1}`)) }()
	<-entered
	err := e.Apply(context.Background(), []byte(`{"$version":2,"x":1}`))
	assert.True(t, errors.IsTimeout(err), errors.ErrorStack(err))
	close(release)
	require.Eventually(t, func() bool { return e.LastVersion() == 1 }, time.Second, time.Millisecond)
	mustApply(t, e, `{"$version":3,"x":1}`)
	assert.Equal(t, int64(3), e.LastVersion())
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestResync(t *testing.T) {
	t.Parallel()
	var doc atomic.Value
	doc.Store(`{"$version":10,"a":1,"b":2}`)
	e := NewEngine(Options{
		Log: log2.NewTest(t, log2.LDebug),
		Fetcher: fetchFunc(func(ctx context.Context) ([]byte, error) {
			return []byte(doc.Load().(string)), nil
		}),
	})
	r := &recorder{}
	require.NoError(t, e.Watch(r.interest("b", true)))
	require.NoError(t, e.Resync(context.Background()))
	assert.Equal(t, int64(10), e.LastVersion())
	assert.Equal(t, []call{{"b", "2", true}}, r.take())

	require.NoError(t, e.Resync(context.Background()))
	assert.Empty(t, r.take())

	doc.Store(`{"$version":11,"a":1}`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunResync(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool { return e.LastVersion() == 11 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []call{{"b", "", false}}, r.take())
}

func TestTyped(t *testing.T) {
	t.Parallel()
	type limits struct {
		Max int `json:"max"`
	}
	var got limits
	var gotPresent bool
	h := Typed(func(ctx context.Context, v limits, present bool) error {
		got, gotPresent = v, present
		return nil
	})
	require.NoError(t, h(context.Background(), json.RawMessage(`{"max":5}`), true))
	assert.Equal(t, limits{Max: 5}, got)
	assert.True(t, gotPresent)
	require.NoError(t, h(context.Background(), nil, false))
	assert.Equal(t, limits{}, got)
	err := h(context.Background(), json.RawMessage(`"x"`), true)
	assert.True(t, errors.IsNotValid(err))
}

func TestWatchNilHandler(t *testing.T) {
	t.Parallel()
	e := NewEngine(Options{})
	assert.True(t, errors.IsNotValid(e.Watch(Interest{Property: "a"})))
}
