package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/edgemod/helpers"
	"github.com/temoto/edgemod/log2"
)

var pahoLogOnce sync.Once

// PahoSession is MQTT 3.1.1 session over github.com/eclipse/paho.mqtt.golang.
type PahoSession struct {
	sessionBase
	opt  Options
	mu   sync.Mutex // single flight Open/Close
	m    mqtt.Client
	open uint32
	stop context.CancelFunc // ends resubscribe retries of current Open
}

func NewPahoSession(opt Options) *PahoSession {
	opt.setDefaults()
	s := &PahoSession{opt: opt}
	s.init(opt.Log)
	return s
}

func (s *PahoSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadUint32(&s.open) == 1 {
		return nil
	}

	// paho loggers are package globals
	pahoLogOnce.Do(func() {
		if s.opt.LibLog != nil {
			mqtt.ERROR = log2.LevelLogger{L: s.opt.LibLog, Level: log2.LError}
			mqtt.CRITICAL = log2.LevelLogger{L: s.opt.LibLog, Level: log2.LError}
			mqtt.WARN = log2.LevelLogger{L: s.opt.LibLog, Level: log2.LWarning}
			mqtt.DEBUG = log2.LevelLogger{L: s.opt.LibLog, Level: log2.LDebug}
		}
	})

	life, stop := context.WithCancel(context.Background())
	mopt := mqtt.NewClientOptions().
		AddBroker(s.opt.Broker).
		SetClientID(s.opt.ClientID).
		SetUsername(s.opt.Username).
		SetPassword(s.opt.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(s.opt.ReconnectDelay).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(s.opt.NetworkTimeout).
		SetWriteTimeout(s.opt.NetworkTimeout).
		SetKeepAlive(s.opt.KeepAlive).
		SetPingTimeout(s.opt.NetworkTimeout).
		SetOrderMatters(true).
		SetDefaultPublishHandler(s.messageHandler).
		SetOnConnectHandler(func(c mqtt.Client) { s.onConnectHandler(life, c) }).
		SetConnectionLostHandler(s.connectLostHandler)
	m := mqtt.NewClient(mopt)
	s.m = m
	s.stop = stop
	atomic.StoreUint32(&s.open, 1)

	// with connect retry, token completes only on success or Close
	if err := waitToken(ctx, m.Connect(), s.opt.NetworkTimeout); err != nil {
		s.log.Errorf("transport connect broker=%s err=%v, retrying in background", s.opt.Broker, err)
		s.setStatus(Disconnected, ReasonRetryExpired)
		return &ConnectError{Broker: s.opt.Broker, Cause: err}
	}
	return nil
}

func (s *PahoSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !atomic.CompareAndSwapUint32(&s.open, 1, 0) {
		return nil
	}
	s.stop()
	s.m.Disconnect(uint(s.opt.NetworkTimeout / time.Millisecond))
	s.setStatus(Disconnected, ReasonClientClose)
	return nil
}

func (s *PahoSession) client() (mqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil || atomic.LoadUint32(&s.open) == 0 {
		return nil, errors.New("transport session closed")
	}
	return s.m, nil
}

func (s *PahoSession) Publish(ctx context.Context, msg *Message) error {
	m, err := s.client()
	if err != nil {
		return errors.Annotatef(err, "publish topic=%s", msg.Topic)
	}
	wire := EncodeTopic(msg)
	token := m.Publish(wire, byte(msg.QOS), msg.Retain, msg.Payload)
	if err := waitToken(ctx, token, s.opt.NetworkTimeout); err != nil {
		return errors.Annotatef(err, "publish topic=%s", msg.Topic)
	}
	atomic.AddUint64(&s.sent, 1)
	return nil
}

func (s *PahoSession) Subscribe(ctx context.Context, filter string, qos QOS) error {
	changed, err := s.subs.add(filter, qos)
	if err != nil || !changed {
		return err
	}
	m, err := s.client()
	if err != nil {
		// recorded, onConnectHandler will subscribe
		return nil
	}
	return s.subscribeWire(ctx, m, filter, qos)
}

func (s *PahoSession) subscribeWire(ctx context.Context, m mqtt.Client, filter string, qos QOS) error {
	for _, wf := range wireFilters(filter) {
		token := m.Subscribe(wf, byte(qos), nil)
		if err := waitToken(ctx, token, s.opt.NetworkTimeout); err != nil {
			return errors.Annotatef(err, "subscribe filter=%s", wf)
		}
	}
	return nil
}

func (s *PahoSession) messageHandler(c mqtt.Client, msg mqtt.Message) {
	s.deliver(msg.Topic(), msg.Payload(), QOS(msg.Qos()), msg.Retained())
}

// Called by paho on every (re)connect.
// Clean session means broker forgot subscriptions.
func (s *PahoSession) onConnectHandler(life context.Context, c mqtt.Client) {
	backoff := helpers.Backoff{Min: s.opt.ReconnectDelay, Max: 30 * time.Second, K: 2}
	for _, sub := range s.subs.all() {
		for {
			ctx, cancel := context.WithTimeout(life, s.opt.NetworkTimeout)
			err := s.subscribeWire(ctx, c, sub.filter, sub.qos)
			cancel()
			if err == nil {
				backoff.Reset()
				break
			}
			s.log.Errorf("transport resubscribe err=%v", err)
			if !c.IsConnectionOpen() {
				// next onConnectHandler call retries, status stays Disconnected
				return
			}
			if backoff.Sleep(life) != nil {
				return
			}
		}
	}
	s.setStatus(Connected, ReasonConnectionOK)
}

func (s *PahoSession) connectLostHandler(c mqtt.Client, err error) {
	s.log.Errorf("transport connection lost err=%v", err)
	s.setStatus(Disconnected, ReasonCommunicationError)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.Timeoutf("mqtt operation (%v)", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
