package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
	"github.com/temoto/edgemod/log2"
)

// Broker is in-memory pub/sub for tests and mem:// sessions.
// Topics go through the same property bag encoding as network sessions.
// Delivery is asynchronous and FIFO per subscriber session, like one MQTT connection.
type Broker struct {
	log      *log2.Log
	mu       sync.Mutex
	tree     *topic.Tree // wire filter -> *LoopbackSession
	sessions map[string]*LoopbackSession
	retained map[string]retainedMessage // base topic -> last retained
	wg       sync.WaitGroup
}

type retainedMessage struct {
	wire    string
	payload []byte
	qos     QOS
}

var brokers = struct {
	sync.Mutex
	m map[string]*Broker
}{m: make(map[string]*Broker)}

// LookupBroker returns process-wide named broker, created on first use.
func LookupBroker(name string) *Broker {
	brokers.Lock()
	defer brokers.Unlock()
	b, ok := brokers.m[name]
	if !ok {
		b = NewBroker(nil)
		brokers.m[name] = b
	}
	return b
}

func NewBroker(log *log2.Log) *Broker {
	return &Broker{
		log:      log,
		tree:     topic.NewStandardTree(),
		sessions: make(map[string]*LoopbackSession),
		retained: make(map[string]retainedMessage),
	}
}

func (b *Broker) NewSession(opt Options) *LoopbackSession {
	opt.setDefaults()
	s := &LoopbackSession{broker: b, opt: opt}
	s.init(opt.Log)
	return s
}

// Publish injects message as if sent by another broker client, e.g. hub.
func (b *Broker) Publish(m *Message) {
	b.route(EncodeTopic(m), m.Payload, m.QOS, m.Retain)
}

// Retained returns last retained message on base topic.
func (b *Broker) Retained(base string) (*Message, bool) {
	b.mu.Lock()
	rm, ok := b.retained[base]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	m := &Message{Payload: rm.payload, QOS: rm.qos, Retain: true}
	if err := DecodeTopic(rm.wire, m); err != nil {
		return nil, false
	}
	return m, true
}

// Drop simulates network failure of client session followed by reconnect.
// Subscriptions are restored before session reports Connected.
func (b *Broker) Drop(clientID string) {
	if s := b.Disconnect(clientID); s != nil {
		go func() {
			time.Sleep(s.opt.ReconnectDelay)
			s.reconnect()
		}()
	}
}

// Disconnect simulates network failure without reconnect, see Reconnect.
func (b *Broker) Disconnect(clientID string) *LoopbackSession {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	if ok {
		delete(b.sessions, clientID)
		b.tree.Clear(s)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.setStatus(Disconnected, ReasonCommunicationError)
	return s
}

// Reconnect brings back session taken down by Disconnect.
func (b *Broker) Reconnect(s *LoopbackSession) { s.reconnect() }

// Wait for in-flight deliveries.
func (b *Broker) Wait() { b.wg.Wait() }

func (b *Broker) attach(s *LoopbackSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if other, ok := b.sessions[s.opt.ClientID]; ok && other != s {
		// MQTT takes over client id, old session is disconnected
		b.tree.Clear(other)
		go other.setStatus(Disconnected, ReasonCommunicationError)
	}
	b.sessions[s.opt.ClientID] = s
	return nil
}

func (b *Broker) detach(s *LoopbackSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.opt.ClientID] == s {
		delete(b.sessions, s.opt.ClientID)
	}
	b.tree.Clear(s)
}

func (b *Broker) online(s *LoopbackSession) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[s.opt.ClientID] == s
}

func (b *Broker) subscribe(s *LoopbackSession, filter string, qos QOS) error {
	b.mu.Lock()
	if b.sessions[s.opt.ClientID] != s {
		b.mu.Unlock()
		return errors.New("transport loopback not connected")
	}
	match := topic.NewStandardTree()
	for _, wf := range wireFilters(filter) {
		b.tree.Add(wf, s)
		match.Add(wf, true)
	}
	var retained []retainedMessage
	for _, rm := range b.retained {
		if len(match.Match(rm.wire)) != 0 {
			retained = append(retained, rm)
		}
	}
	b.mu.Unlock()
	for _, rm := range retained {
		b.deliver(s, rm.wire, rm.payload, rm.qos, true)
	}
	return nil
}

func (b *Broker) route(wire string, payload []byte, qos QOS, retain bool) {
	b.mu.Lock()
	if retain {
		var base Message
		_ = DecodeTopic(wire, &base)
		if len(payload) == 0 {
			delete(b.retained, base.Topic)
		} else {
			b.retained[base.Topic] = retainedMessage{wire: wire, payload: payload, qos: qos}
		}
	}
	values := b.tree.Match(wire)
	b.mu.Unlock()
	seen := make(map[*LoopbackSession]struct{}, len(values))
	for _, v := range values {
		s := v.(*LoopbackSession)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		b.deliver(s, wire, payload, qos, false)
	}
}

func (b *Broker) deliver(s *LoopbackSession, wire string, payload []byte, qos QOS, retain bool) {
	s.qmu.Lock()
	s.queue = append(s.queue, delivery{wire: wire, payload: payload, qos: qos, retain: retain})
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	s.qmu.Unlock()
	b.wg.Add(1)
	go s.drain(&b.wg)
}

type delivery struct {
	wire    string
	payload []byte
	qos     QOS
	retain  bool
}

// LoopbackSession is Session attached to in-memory Broker.
type LoopbackSession struct {
	sessionBase
	broker *Broker
	opt    Options
	mu     sync.Mutex // single flight Open/Close/reconnect
	open   uint32

	qmu      sync.Mutex
	queue    []delivery
	draining bool
}

// drain runs message handler on queued deliveries one at a time.
func (s *LoopbackSession) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.qmu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		s.deliver(d.wire, d.payload, d.qos, d.retain)
	}
}

func (s *LoopbackSession) ClientID() string { return s.opt.ClientID }

func (s *LoopbackSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadUint32(&s.open) == 1 {
		return nil
	}
	atomic.StoreUint32(&s.open, 1)
	if err := ctx.Err(); err != nil {
		go func() {
			time.Sleep(s.opt.ReconnectDelay)
			s.reconnect()
		}()
		return &ConnectError{Broker: s.opt.Broker, Cause: err}
	}
	return s.connectLocked()
}

func (s *LoopbackSession) connectLocked() error {
	if err := s.broker.attach(s); err != nil {
		return err
	}
	for _, sub := range s.subs.all() {
		if err := s.broker.subscribe(s, sub.filter, sub.qos); err != nil {
			return errors.Annotatef(err, "resubscribe filter=%s", sub.filter)
		}
	}
	s.setStatus(Connected, ReasonConnectionOK)
	return nil
}

func (s *LoopbackSession) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadUint32(&s.open) == 0 || s.broker.online(s) {
		return
	}
	if err := s.connectLocked(); err != nil {
		s.log.Errorf("transport loopback reconnect err=%v", err)
	}
}

func (s *LoopbackSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !atomic.CompareAndSwapUint32(&s.open, 1, 0) {
		return nil
	}
	s.broker.detach(s)
	s.setStatus(Disconnected, ReasonClientClose)
	return nil
}

func (s *LoopbackSession) Publish(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return errors.Annotatef(err, "publish topic=%s", m.Topic)
	}
	if !s.broker.online(s) {
		return errors.Errorf("publish topic=%s: transport loopback not connected", m.Topic)
	}
	if _, err := topic.Parse(m.Topic, false); err != nil {
		return errors.NotValidf("publish topic=%q err=%v", m.Topic, err)
	}
	s.broker.route(EncodeTopic(m), m.Payload, m.QOS, m.Retain)
	atomic.AddUint64(&s.sent, 1)
	return nil
}

func (s *LoopbackSession) Subscribe(ctx context.Context, filter string, qos QOS) error {
	changed, err := s.subs.add(filter, qos)
	if err != nil || !changed {
		return err
	}
	if !s.broker.online(s) {
		return nil
	}
	return s.broker.subscribe(s, filter, qos)
}
