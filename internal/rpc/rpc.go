// Package rpc correlates request/response pairs over pub/sub topics.
package rpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/edgemod/edge/transport"
	"github.com/temoto/edgemod/helpers"
	"github.com/temoto/edgemod/log2"
)

const DefaultResponseSuffix = "response"

const (
	StatusOK    = 200
	StatusError = 500
)

var ErrCanceled = errors.New("rpc canceled")

type TopicStrategy struct {
	ResponseSuffix string
}

type TopicPair struct {
	Request  string
	Response string
}

func (ts TopicStrategy) Pair(requestTopic string) TopicPair {
	suffix := ts.ResponseSuffix
	if suffix == "" {
		suffix = DefaultResponseSuffix
	}
	return TopicPair{Request: requestTopic, Response: requestTopic + "/" + suffix}
}

// IsResponse reports whether topic is response half of some pair.
func (ts TopicStrategy) IsResponse(topic string) bool {
	suffix := ts.ResponseSuffix
	if suffix == "" {
		suffix = DefaultResponseSuffix
	}
	n := len(topic) - len(suffix)
	return n > 1 && topic[n-1] == '/' && topic[n:] == suffix
}

type Response struct {
	Status  int
	Payload []byte
}

// Handler answers inbound request. Returned error is sent as text payload
// with status 500, or error's StatusCode() when it provides one.
type Handler func(ctx context.Context, req *transport.Message) (*Response, error)

type Options struct {
	Session  transport.Session
	Strategy TopicStrategy
	Log      *log2.Log
}

type Correlator struct {
	s        transport.Session
	strategy TopicStrategy
	log      *log2.Log

	mu         sync.Mutex
	pending    map[string]*helpers.Future[*Response]
	subscribed map[string]struct{}
	closed     bool
}

func NewCorrelator(opt Options) *Correlator {
	return &Correlator{
		s:          opt.Session,
		strategy:   opt.Strategy,
		log:        opt.Log,
		pending:    make(map[string]*helpers.Future[*Response]),
		subscribed: make(map[string]struct{}),
	}
}

// Invoke publishes request on methodTopic and waits for matching response.
// Timeout is reported as errors.IsTimeout, Close as ErrCanceled.
func (c *Correlator) Invoke(ctx context.Context, methodTopic string, payload []byte, qos transport.QOS, timeout time.Duration) (*Response, error) {
	pair := c.strategy.Pair(methodTopic)
	if err := c.ensureSubscribed(ctx, pair.Response, qos); err != nil {
		return nil, errors.Annotatef(err, "rpc invoke topic=%s", methodTopic)
	}

	token := uuid.New().String()
	f := helpers.NewFuture[*Response]()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCanceled
	}
	c.pending[token] = f
	c.mu.Unlock()
	defer c.forget(token)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg := &transport.Message{
		Topic:         pair.Request,
		Payload:       payload,
		QOS:           qos,
		CorrelationID: token,
		ResponseTopic: pair.Response,
	}
	if err := c.s.Publish(ctx, msg); err != nil {
		return nil, errors.Annotatef(err, "rpc invoke topic=%s", methodTopic)
	}

	result, ok, err := f.Wait(ctx)
	switch {
	case err == context.DeadlineExceeded:
		return nil, errors.Timeoutf("rpc invoke topic=%s timeout=%v", methodTopic, timeout)
	case err != nil:
		return nil, errors.Annotatef(err, "rpc invoke topic=%s", methodTopic)
	case !ok:
		return nil, ErrCanceled
	}
	return result, nil
}

func (c *Correlator) ensureSubscribed(ctx context.Context, topic string, qos transport.QOS) error {
	c.mu.Lock()
	_, ok := c.subscribed[topic]
	c.mu.Unlock()
	if ok {
		return nil
	}
	if err := c.s.Subscribe(ctx, topic, qos); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribed[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Correlator) forget(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

// HandleResponse resolves pending call with equal correlation token.
// Returns false for unknown or late responses, those are discarded.
func (c *Correlator) HandleResponse(m *transport.Message) bool {
	if m.CorrelationID == "" {
		return false
	}
	c.mu.Lock()
	f, ok := c.pending[m.CorrelationID]
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("rpc response topic=%s cid=%s no pending call", m.Topic, m.CorrelationID)
		return false
	}
	status := m.StatusCode
	if status == 0 {
		status = StatusOK
	}
	return f.Complete(&Response{Status: status, Payload: m.Payload})
}

// Answer runs handler and always publishes response to request's response topic.
func (c *Correlator) Answer(ctx context.Context, req *transport.Message, handler Handler) error {
	responseTopic := req.ResponseTopic
	if responseTopic == "" {
		responseTopic = c.strategy.Pair(req.Topic).Response
	}
	resp := c.callHandler(ctx, req, handler)
	msg := &transport.Message{
		Topic:         responseTopic,
		Payload:       resp.Payload,
		QOS:           req.QOS,
		CorrelationID: req.CorrelationID,
		StatusCode:    resp.Status,
	}
	if err := c.s.Publish(ctx, msg); err != nil {
		return errors.Annotatef(err, "rpc answer topic=%s", req.Topic)
	}
	return nil
}

type statusCoder interface{ StatusCode() int }

func (c *Correlator) callHandler(ctx context.Context, req *transport.Message, handler Handler) (resp *Response) {
	defer func() {
		if x := recover(); x != nil {
			c.log.Errorf("rpc handler topic=%s panic=%v\n%s", req.Topic, x, debug.Stack())
			resp = &Response{Status: StatusError, Payload: []byte(fmt.Sprintf("panic: %v", x))}
		}
	}()
	r, err := handler(ctx, req)
	if err != nil {
		c.log.Errorf("rpc handler topic=%s err=%v", req.Topic, err)
		status := StatusError
		if sc, ok := errors.Cause(err).(statusCoder); ok {
			status = sc.StatusCode()
		} else if sc, ok := err.(statusCoder); ok {
			status = sc.StatusCode()
		}
		return &Response{Status: status, Payload: []byte(err.Error())}
	}
	if r == nil {
		return &Response{Status: StatusOK}
	}
	if r.Status == 0 {
		r.Status = StatusOK
	}
	return r
}

// Close cancels all outstanding Invoke waits with ErrCanceled.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for token, f := range c.pending {
		f.Cancel()
		delete(c.pending, token)
	}
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
