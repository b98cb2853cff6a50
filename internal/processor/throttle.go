// Package processor aggregates telemetry into batches before sending.
package processor

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/edgemod/edge"
	"github.com/temoto/edgemod/helpers"
	"github.com/temoto/edgemod/log2"
)

const (
	DefaultCapacity       = 1000
	DefaultMaxMessageSize = 4096
	DefaultWindow         = 20 * time.Second
)

// Wire framing allowance: message id, sequence number, expiry timestamp.
var headerSize = 128 + 8 + len(time.Now().UTC().Format(time.RFC3339))

type Sender interface {
	SendTelemetry(ctx context.Context, channel string, m *edge.Message) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type ThrottleOptions struct {
	Sender         Sender
	Channel        string
	Capacity       int
	MaxMessageSize int
	Window         time.Duration
	Clock          Clock
	Log            *log2.Log
	Registerer     prometheus.Registerer
}

// Throttled is bounded queue with single consumer loop that packs items
// into one JSON array per send. Enqueue never blocks.
type Throttled struct {
	enqueueCount     uint64 // atomic align
	enqueueFailCount uint64
	processedCount   uint64
	sendCount        uint64

	alive   *alive.Alive
	q       chan *edge.Message
	sender  Sender
	channel string
	max     int
	window  time.Duration
	clock   Clock
	log     *log2.Log
	metrics throttleMetrics
}

func NewThrottled(opt ThrottleOptions) (*Throttled, error) {
	if opt.Sender == nil {
		return nil, errors.NotValidf("throttle sender nil")
	}
	if opt.Capacity <= 0 {
		opt.Capacity = DefaultCapacity
	}
	if opt.MaxMessageSize <= 0 {
		opt.MaxMessageSize = DefaultMaxMessageSize
	}
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	if opt.Clock == nil {
		opt.Clock = SystemClock{}
	}
	t := &Throttled{
		alive:   alive.NewAlive(),
		q:       make(chan *edge.Message, opt.Capacity),
		sender:  opt.Sender,
		channel: opt.Channel,
		max:     opt.MaxMessageSize,
		window:  opt.Window,
		clock:   opt.Clock,
		log:     opt.Log,
	}
	if err := t.metrics.register(opt.Registerer, opt.Channel); err != nil {
		return nil, errors.Annotate(err, "throttle metrics")
	}
	return t, nil
}

func (t *Throttled) Channel() string { return t.channel }

// Enqueue returns false when queue is full or m is nil, item is lost.
func (t *Throttled) Enqueue(m *edge.Message) bool {
	atomic.AddUint64(&t.enqueueCount, 1)
	t.metrics.inc(t.metrics.enqueued)
	if m == nil {
		t.fail("nil message")
		return false
	}
	select {
	case t.q <- m:
		return true
	default:
		t.fail("queue full")
		return false
	}
}

func (t *Throttled) fail(reason string) {
	fails := atomic.AddUint64(&t.enqueueFailCount, 1)
	t.metrics.inc(t.metrics.enqueueFailed)
	t.log.Errorf("CRITICAL throttle channel=%s %s, lost=%d", t.channel, reason, fails)
}

func (t *Throttled) EnqueueCount() uint64     { return atomic.LoadUint64(&t.enqueueCount) }
func (t *Throttled) EnqueueFailCount() uint64 { return atomic.LoadUint64(&t.enqueueFailCount) }
func (t *Throttled) ProcessedCount() uint64   { return atomic.LoadUint64(&t.processedCount) }
func (t *Throttled) SendCount() uint64        { return atomic.LoadUint64(&t.sendCount) }
func (t *Throttled) Len() int                 { return len(t.q) }

// Stop ends Run loop and waits for it. Partial batch is discarded.
func (t *Throttled) Stop() {
	t.alive.Stop()
	t.alive.Wait()
}

// Run is consumer loop, returns when ctx is done or after Stop.
func (t *Throttled) Run(ctx context.Context) error {
	if !t.alive.Add(1) {
		return errors.Errorf("throttle channel=%s stopped", t.channel)
	}
	defer t.alive.Done()
	stopCh := t.alive.StopChan()

	b := newBatch()
	var deadline time.Time
	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		stopTimer()
		if !b.empty() {
			timer = time.NewTimer(helpers.Until(t.clock.Now(), deadline))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			t.discard(b)
			return nil
		case <-stopCh:
			t.discard(b)
			return nil

		case <-timerC:
			t.flush(ctx, b)

		case m := <-t.q:
			atomic.AddUint64(&t.processedCount, 1)
			t.metrics.inc(t.metrics.processed)
			now := t.clock.Now()
			if !b.empty() {
				aggregated := headerSize + b.propSize + b.newPropSize(m.Properties) + len(m.Payload) + b.buf.Len()
				if aggregated > t.max || !now.Before(deadline) {
					t.flush(ctx, b)
				}
			}
			if b.empty() {
				deadline = now.Add(t.window)
			}
			b.add(m)
			// single item over limit goes alone
			if b.items == 1 && headerSize+b.propSize+b.buf.Len()+1 > t.max {
				t.log.Infof("throttle channel=%s item size=%d over max=%d", t.channel, len(m.Payload), t.max)
				t.flush(ctx, b)
			}
		}
	}
}

func (t *Throttled) discard(b *batch) {
	if !b.empty() {
		t.log.Infof("throttle channel=%s shutdown, discarded batch items=%d", t.channel, b.items)
	}
}

// flush sends batch, resets it regardless of send result.
func (t *Throttled) flush(ctx context.Context, b *batch) {
	if b.empty() {
		return
	}
	m := b.message()
	b.reset()
	atomic.AddUint64(&t.sendCount, 1)
	t.metrics.inc(t.metrics.sent)
	if err := t.sender.SendTelemetry(ctx, t.channel, m); err != nil {
		t.metrics.inc(t.metrics.sendFailed)
		t.log.Errorf("throttle channel=%s send err=%v", t.channel, err)
	}
}

// batch is JSON array under construction plus merged properties.
type batch struct {
	buf      bytes.Buffer
	props    edge.Properties
	propSize int
	items    int
	elements int
}

func newBatch() *batch {
	b := &batch{}
	b.reset()
	return b
}

func (b *batch) reset() {
	b.buf.Reset()
	b.buf.WriteByte('[')
	b.props = nil
	b.propSize = 0
	b.items = 0
	b.elements = 0
}

func (b *batch) empty() bool { return b.items == 0 }

// newPropSize counts only keys not yet in batch.
func (b *batch) newPropSize(ps edge.Properties) int {
	n := 0
	for _, p := range ps {
		if !b.props.Has(p.Key) {
			n += len(p.Key) + len(p.Value)
		}
	}
	return n
}

func (b *batch) add(m *edge.Message) {
	b.items++
	// first writer wins
	for _, p := range m.Properties {
		if b.props.SetDefault(p.Key, p.Value) {
			b.propSize += len(p.Key) + len(p.Value)
		}
	}
	body := bytes.TrimSpace(m.Payload)
	// pre-batched array: merge elements
	if len(body) >= 2 && body[0] == '[' && body[len(body)-1] == ']' {
		body = bytes.TrimSpace(body[1 : len(body)-1])
	}
	if len(body) == 0 {
		return
	}
	if b.elements > 0 {
		b.buf.WriteByte(',')
	}
	b.buf.Write(body)
	b.elements++
}

func (b *batch) message() *edge.Message {
	payload := make([]byte, b.buf.Len()+1)
	copy(payload, b.buf.Bytes())
	payload[len(payload)-1] = ']'
	return &edge.Message{
		Payload:     payload,
		Properties:  b.props.Clone(),
		ContentType: edge.ContentTypeJSON,
	}
}
