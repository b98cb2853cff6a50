package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, K: 2}
	cases := []time.Duration{10, 20, 40, 50, 50}
	for i, expect := range cases {
		assert.Equal(t, expect*time.Millisecond, b.Next(), "attempt=%d", i)
	}
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())

	unlimited := Backoff{Min: time.Second, K: 3}
	unlimited.Next()
	assert.Equal(t, 3*time.Second, unlimited.Next())
}

func TestBackoffSleepContext(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Sleep(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	nf := errors.NotFoundf("thing")
	assert.True(t, errors.IsNotFound(FoldErrors([]error{nil, nf})))
	err := FoldErrors([]error{fmt.Errorf("a"), nil, fmt.Errorf("b")})
	require.Error(t, err)
	assert.Equal(t, "a\nb", err.Error())
}

func TestFuture(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	go func() { f.Complete(42) }()
	result, ok, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, result)
	assert.False(t, f.Cancel())
	assert.False(t, f.Complete(43))

	f2 := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err = f2.Wait(ctx)
	assert.False(t, ok)
	assert.Equal(t, context.Canceled, err)
	assert.True(t, f2.Cancel())
	<-f2.Done()
	s, ok, err := f2.Wait(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "", s)
}

func TestUntil(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	assert.Equal(t, time.Second, Until(now, now.Add(time.Second)))
	assert.Equal(t, time.Duration(0), Until(now, now.Add(-time.Second)))
}
