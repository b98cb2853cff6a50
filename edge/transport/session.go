// Package transport owns pub/sub broker connection.
//
// Session contract:
// - Open is safe to retry and to call on open session
// - Open and Close never run concurrently, reconnect never overlaps them
// - every Subscribe is remembered and restored after reconnect before status handler sees Connected
// - inbound message Topic is stripped of property bag, metadata is in Message fields
// - message handler runs serially in arrival order
package transport

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/edgemod/log2"
)

type Session interface {
	Open(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, m *Message) error
	Subscribe(ctx context.Context, filter string, qos QOS) error
	SetMessageHandler(MessageHandler)
	SetStatusHandler(StatusHandler)
	Status() Status
	Stat() SessionStat
}

type Options struct {
	Broker         string // tcp|ssl|ws|wss://host:port or mem://name
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	Log            *log2.Log
	// Noisy library internals, nil to discard.
	LibLog *log2.Log
}

const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReconnectDelay = 1 * time.Second
)

func (o *Options) setDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
}

// NewSession picks implementation by broker URL scheme.
func NewSession(opt Options) (Session, error) {
	if opt.ClientID == "" {
		return nil, errors.NotValidf("transport client id empty")
	}
	u, err := url.Parse(opt.Broker)
	if err != nil {
		return nil, errors.NotValidf("transport broker=%q err=%v", opt.Broker, err)
	}
	opt.setDefaults()
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
		return NewPahoSession(opt), nil
	case "mem":
		return LookupBroker(u.Host).NewSession(opt), nil
	}
	return nil, errors.NotValidf("transport broker=%q scheme", opt.Broker)
}

// ConnectError means broker was unreachable within Open deadline.
// Session keeps retrying in background after it is returned.
type ConnectError struct {
	Broker string
	Cause  error
}

func (e *ConnectError) Error() string {
	return "transport connect broker=" + e.Broker + ": " + e.Cause.Error()
}

func IsConnectError(err error) bool {
	_, ok := errors.Cause(err).(*ConnectError)
	return ok
}

type SessionStat struct {
	Status         Status
	Connects       uint32
	Disconnects    uint32
	Sent           uint64
	Received       uint64
	// zero when event never happened
	SinceConnected    time.Duration
	SinceDisconnected time.Duration
	SinceReceived     time.Duration
}

// sessionBase is shared state of Session implementations.
type sessionBase struct {
	log     *log2.Log
	subs    *subscriptions
	status  int32
	handler atomic.Value // MessageHandler
	onState atomic.Value // StatusHandler

	connects       uint32
	disconnects    uint32
	sent           uint64
	received       uint64
	connectedAt    atomic_clock.Clock
	disconnectedAt atomic_clock.Clock
	lastReceived   atomic_clock.Clock
}

func (sb *sessionBase) init(log *log2.Log) {
	sb.log = log
	sb.subs = newSubscriptions()
}

func (sb *sessionBase) SetMessageHandler(h MessageHandler) { sb.handler.Store(h) }
func (sb *sessionBase) SetStatusHandler(h StatusHandler)   { sb.onState.Store(h) }
func (sb *sessionBase) Status() Status                     { return Status(atomic.LoadInt32(&sb.status)) }

func (sb *sessionBase) Stat() SessionStat {
	since := func(c *atomic_clock.Clock) time.Duration {
		if c.IsZero() {
			return 0
		}
		return atomic_clock.Since(c)
	}
	return SessionStat{
		Status:         sb.Status(),
		Connects:       atomic.LoadUint32(&sb.connects),
		Disconnects:    atomic.LoadUint32(&sb.disconnects),
		Sent:           atomic.LoadUint64(&sb.sent),
		Received:       atomic.LoadUint64(&sb.received),
		SinceConnected:    since(&sb.connectedAt),
		SinceDisconnected: since(&sb.disconnectedAt),
		SinceReceived:     since(&sb.lastReceived),
	}
}

// setStatus invokes status handler only on actual change.
func (sb *sessionBase) setStatus(s Status, reason Reason) {
	old := Status(atomic.SwapInt32(&sb.status, int32(s)))
	if old == s {
		return
	}
	switch s {
	case Connected:
		atomic.AddUint32(&sb.connects, 1)
		sb.connectedAt.SetNow()
	case Disconnected:
		atomic.AddUint32(&sb.disconnects, 1)
		sb.disconnectedAt.SetNow()
	}
	sb.log.Infof("transport status=%s reason=%s", s, reason)
	if h, ok := sb.onState.Load().(StatusHandler); ok && h != nil {
		h(s, reason)
	}
}

func (sb *sessionBase) deliver(wireTopic string, payload []byte, qos QOS, retain bool) {
	m := &Message{Payload: payload, QOS: qos, Retain: retain}
	if err := DecodeTopic(wireTopic, m); err != nil {
		sb.log.Errorf("transport inbound topic=%s err=%v", wireTopic, err)
		return
	}
	if !sb.subs.match(m.Topic) {
		sb.log.Debugf("transport inbound topic=%s not subscribed", m.Topic)
		return
	}
	atomic.AddUint64(&sb.received, 1)
	sb.lastReceived.SetNow()
	if h, ok := sb.handler.Load().(MessageHandler); ok && h != nil {
		h(m)
	} else {
		sb.log.Errorf("transport inbound topic=%s no message handler", m.Topic)
	}
}
