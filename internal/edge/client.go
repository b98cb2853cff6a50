// Package edge implements module client over pub/sub topics:
//   {device}/{module}/messages[/<channel>]          telemetry
//   {device}/{module}/methods/<name>[/<suffix>]     calls and responses
//   {device}/{module}/twin/{desired,reported,get}   configuration
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	edge_api "github.com/temoto/edgemod/edge"
	"github.com/temoto/edgemod/edge/transport"
	"github.com/temoto/edgemod/helpers"
	"github.com/temoto/edgemod/internal/rpc"
	"github.com/temoto/edgemod/internal/twin"
	"github.com/temoto/edgemod/log2"
)

const DefaultTimeout = 30 * time.Second

// desired deltas waiting for convergence engine, overflow is corrected by resync
const desiredQueueSize = 64

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stopper is background worker bound to client lifetime, e.g. throttle processor.
type Stopper interface {
	Stop()
}

type Options struct {
	DeviceID       string
	ModuleID       string
	Session        transport.Session
	Routes         *edge_api.RouteTable
	ResponseSuffix string
	CallTimeout    time.Duration
	HandlerTimeout time.Duration
	GateTimeout    time.Duration
	Log            *log2.Log
}

// Client contract:
// - handler failures never crash dispatch, calls always get response
// - Open/Close are serialized, Open after Close starts new session cycle
// - Close stops attached processors, cancels pending calls, releases session
type Client struct { //nolint:maligned
	state int32

	deviceID       string
	moduleID       string
	prefix         string
	strategy       rpc.TopicStrategy
	session        transport.Session
	twin           *twin.Engine
	log            *log2.Log
	callTimeout    time.Duration
	handlerTimeout time.Duration

	lk         sync.Mutex   // Open/Close
	cur        atomic.Value // *cycle
	processors []Stopper

	mu            sync.Mutex
	methods       map[string]edge_api.MethodHandler
	defaultMethod edge_api.MethodHandler
	inputs        map[string]edge_api.MessageHandler
	defaultInput  edge_api.MessageHandler
	routes        []edge_api.Route
	onStatus      edge_api.StatusHandler
	reported      map[string]interface{}
	reportedVer   int64
}

var _ edge_api.Clienter = &Client{} // compile-time interface test

func NewClient(opt Options) (*Client, error) {
	if err := edge_api.ValidName("device", opt.DeviceID); err != nil {
		return nil, err
	}
	if err := edge_api.ValidName("module", opt.ModuleID); err != nil {
		return nil, err
	}
	if opt.Session == nil {
		return nil, errors.NotValidf("edge client session nil")
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = DefaultTimeout
	}
	if opt.HandlerTimeout <= 0 {
		opt.HandlerTimeout = DefaultTimeout
	}
	self := &Client{
		deviceID:       opt.DeviceID,
		moduleID:       opt.ModuleID,
		prefix:         opt.DeviceID + "/" + opt.ModuleID,
		strategy:       rpc.TopicStrategy{ResponseSuffix: opt.ResponseSuffix},
		session:        opt.Session,
		log:            opt.Log,
		callTimeout:    opt.CallTimeout,
		handlerTimeout: opt.HandlerTimeout,
		reported:       make(map[string]interface{}),
	}
	self.methods, self.defaultMethod = opt.Routes.Calls()
	if self.methods == nil {
		self.methods = make(map[string]edge_api.MethodHandler)
	}
	self.inputs, self.defaultInput = opt.Routes.Inputs()
	if self.inputs == nil {
		self.inputs = make(map[string]edge_api.MessageHandler)
	}
	self.routes = opt.Routes.Routes()
	for _, r := range self.routes {
		if r.FromModule == opt.ModuleID {
			return nil, errors.NotValidf("route=%s from own module=%s", r.Name, r.FromModule)
		}
	}
	self.twin = twin.NewEngine(twin.Options{
		Fetcher:        self,
		GateTimeout:    opt.GateTimeout,
		HandlerTimeout: opt.HandlerTimeout,
		Log:            opt.Log,
	})
	self.session.SetMessageHandler(self.onMessage)
	self.session.SetStatusHandler(self.onSessionStatus)
	return self, nil
}

func (self *Client) State() State { return State(atomic.LoadInt32(&self.state)) }

func (self *Client) setState(s State) {
	old := State(atomic.SwapInt32(&self.state, int32(s)))
	if old != s {
		self.log.Debugf("edge client state %s -> %s", old, s)
	}
}

// Twin gives access to desired state engine, e.g. for periodic resync.
func (self *Client) Twin() *twin.Engine { return self.twin }

// cycle is state of one Open..Close period.
type cycle struct {
	alive   *alive.Alive
	ctx     context.Context
	cancel  context.CancelFunc
	rpc     *rpc.Correlator
	desired chan []byte
}

func (self *Client) current() *cycle {
	c, _ := self.cur.Load().(*cycle)
	return c
}

func (self *Client) correlator() *rpc.Correlator {
	if c := self.current(); c != nil {
		return c.rpc
	}
	return nil
}

func (self *Client) Open(ctx context.Context) error {
	self.lk.Lock()
	defer self.lk.Unlock()
	if self.State() != StateClosed {
		return nil
	}
	self.setState(StateOpening)

	c := &cycle{
		alive:   alive.NewAlive(),
		rpc:     rpc.NewCorrelator(rpc.Options{Session: self.session, Strategy: self.strategy, Log: self.log}),
		desired: make(chan []byte, desiredQueueSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.alive.Add(1)
	go self.desiredLoop(c)
	self.cur.Store(c)

	if err := self.subscribeAll(ctx); err != nil {
		self.abortOpen()
		return errors.Annotate(err, "edge client open")
	}
	if err := self.session.Open(ctx); err != nil {
		if transport.IsConnectError(err) {
			// session keeps retrying, Connected status will move state to Open
			atomic.CompareAndSwapInt32(&self.state, int32(StateOpening), int32(StateReconnecting))
			self.log.Errorf("edge client open device=%s module=%s err=%v", self.deviceID, self.moduleID, err)
			return errors.Annotate(err, "edge client open")
		}
		self.abortOpen()
		return errors.Annotate(err, "edge client open")
	}
	if self.session.Status() == transport.Connected {
		self.setState(StateOpen)
	} else {
		atomic.CompareAndSwapInt32(&self.state, int32(StateOpening), int32(StateReconnecting))
	}
	self.log.Infof("edge client open device=%s module=%s", self.deviceID, self.moduleID)
	return nil
}

func (self *Client) abortOpen() {
	c := self.current()
	c.rpc.Close()
	c.cancel()
	c.alive.Stop()
	self.setState(StateClosed)
}

func (self *Client) subscribeAll(ctx context.Context) error {
	filters := []string{
		self.prefix + "/methods/+",
		self.prefix + "/twin/#",
	}
	self.mu.Lock()
	for _, r := range self.routes {
		filters = append(filters, self.routeTopic(r))
	}
	self.mu.Unlock()
	for _, f := range filters {
		if err := self.session.Subscribe(ctx, f, transport.AtLeastOnce); err != nil {
			return errors.Annotatef(err, "subscribe filter=%s", f)
		}
	}
	return nil
}

func (self *Client) routeTopic(r edge_api.Route) string {
	t := self.deviceID + "/" + r.FromModule + "/messages"
	if r.FromOutput != "" {
		t += "/" + r.FromOutput
	}
	return t
}

func (self *Client) Close() error {
	self.lk.Lock()
	defer self.lk.Unlock()
	switch self.State() {
	case StateClosed, StateClosing:
		return nil
	}
	self.setState(StateClosing)

	self.mu.Lock()
	processors := self.processors
	self.processors = nil
	self.mu.Unlock()
	for _, p := range processors {
		p.Stop()
	}

	c := self.current()
	c.alive.Stop()
	c.cancel()
	c.rpc.Close()
	errs := []error{self.session.Close()}
	select {
	case <-c.alive.WaitChan():
	case <-time.After(self.handlerTimeout):
		errs = append(errs, errors.Timeoutf("edge client close, handlers still running"))
	}
	self.setState(StateClosed)
	self.log.Infof("edge client closed")
	return helpers.FoldErrors(errs)
}

// AttachProcessor binds p lifetime to client, Close will Stop it.
func (self *Client) AttachProcessor(p Stopper) {
	self.mu.Lock()
	self.processors = append(self.processors, p)
	self.mu.Unlock()
}

func (self *Client) SetConnectionStatusChangesHandler(h edge_api.StatusHandler) {
	self.mu.Lock()
	self.onStatus = h
	self.mu.Unlock()
}

func (self *Client) onSessionStatus(status transport.Status, reason transport.Reason) {
	switch status {
	case transport.Connected:
		s := self.State()
		if s == StateOpening || s == StateReconnecting {
			atomic.CompareAndSwapInt32(&self.state, int32(s), int32(StateOpen))
		}
	case transport.Disconnected:
		atomic.CompareAndSwapInt32(&self.state, int32(StateOpen), int32(StateReconnecting))
	}
	self.mu.Lock()
	h := self.onStatus
	self.mu.Unlock()
	if h != nil {
		h(status, reason)
	}
}

func (self *Client) telemetryTopic(channel string) string {
	if channel == "" {
		return self.prefix + "/messages"
	}
	return self.prefix + "/messages/" + channel
}

func (self *Client) SendTelemetry(ctx context.Context, channel string, m *edge_api.Message) error {
	if channel != "" {
		if err := edge_api.ValidName("telemetry channel", channel); err != nil {
			return err
		}
	}
	if err := self.requireOpen(); err != nil {
		return errors.Annotatef(err, "send telemetry channel=%s", channel)
	}
	msg := &transport.Message{
		Topic:       self.telemetryTopic(channel),
		Payload:     m.Payload,
		QOS:         transport.AtLeastOnce,
		Properties:  m.Properties,
		ContentType: m.ContentType,
	}
	return errors.Annotatef(self.session.Publish(ctx, msg), "send telemetry channel=%s", channel)
}

func (self *Client) requireOpen() error {
	switch s := self.State(); s {
	case StateOpen, StateReconnecting:
		return nil
	default:
		return errors.Errorf("edge client state=%s", s)
	}
}

func (self *Client) SetMethodHandler(name string, h edge_api.MethodHandler) error {
	if err := edge_api.ValidName("method", name); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if h == nil {
		delete(self.methods, name)
	} else {
		self.methods[name] = h
	}
	return nil
}

func (self *Client) SetMethodDefaultHandler(h edge_api.MethodHandler) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if h != nil && self.defaultMethod != nil {
		return errors.AlreadyExistsf("default method handler")
	}
	self.defaultMethod = h
	return nil
}

func (self *Client) SetInputMessageHandler(input string, h edge_api.MessageHandler) error {
	if err := edge_api.ValidName("input", input); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if h == nil {
		delete(self.inputs, input)
	} else {
		self.inputs[input] = h
	}
	return nil
}

func (self *Client) SetMessageHandler(h edge_api.MessageHandler) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if h != nil && self.defaultInput != nil {
		return errors.AlreadyExistsf("default input handler")
	}
	self.defaultInput = h
	return nil
}

func (self *Client) SetDesiredPropertyHandler(in edge_api.DesiredInterest) error {
	return self.twin.Watch(in)
}

// InvokeMethod calls method of another module, or device level method when moduleID is empty.
func (self *Client) InvokeMethod(ctx context.Context, deviceID, moduleID string, req *edge_api.MethodRequest) (*edge_api.MethodResponse, error) {
	if err := edge_api.ValidName("method", req.Name); err != nil {
		return nil, err
	}
	c := self.correlator()
	if c == nil || self.requireOpen() != nil {
		return nil, errors.Errorf("invoke method=%s edge client state=%s", req.Name, self.State())
	}
	topic := deviceID + "/methods/" + req.Name
	if moduleID != "" {
		topic = deviceID + "/" + moduleID + "/methods/" + req.Name
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = self.callTimeout
	}
	resp, err := c.Invoke(ctx, topic, req.Payload, transport.AtLeastOnce, timeout)
	if err != nil {
		return nil, errors.Annotatef(err, "invoke method=%s", req.Name)
	}
	return &edge_api.MethodResponse{Status: resp.Status, Payload: resp.Payload}, nil
}

// FetchDesired requests full desired document from hub.
func (self *Client) FetchDesired(ctx context.Context) ([]byte, error) {
	c := self.correlator()
	if c == nil || self.requireOpen() != nil {
		return nil, errors.Errorf("fetch desired edge client state=%s", self.State())
	}
	resp, err := c.Invoke(ctx, self.prefix+"/twin/get", nil, transport.AtLeastOnce, self.callTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "fetch desired")
	}
	if resp.Status != edge_api.StatusOK {
		return nil, errors.Errorf("fetch desired status=%d payload=%s", resp.Status, string(resp.Payload))
	}
	return resp.Payload, nil
}

// UpdateReportedProperties merges delta into reported state and publishes full snapshot.
// Nil value removes property.
func (self *Client) UpdateReportedProperties(ctx context.Context, delta map[string]interface{}) error {
	if err := self.requireOpen(); err != nil {
		return errors.Annotate(err, "update reported")
	}
	self.mu.Lock()
	for k, v := range delta {
		if k == twin.VersionKey {
			continue
		}
		if v == nil {
			delete(self.reported, k)
		} else {
			self.reported[k] = v
		}
	}
	self.reportedVer++
	snapshot := make(map[string]interface{}, len(self.reported)+1)
	for k, v := range self.reported {
		snapshot[k] = v
	}
	snapshot[twin.VersionKey] = self.reportedVer
	b, err := json.Marshal(snapshot)
	self.mu.Unlock()
	if err != nil {
		return errors.Annotate(err, "update reported marshal")
	}
	msg := &transport.Message{
		Topic:       self.prefix + "/twin/reported",
		Payload:     b,
		QOS:         transport.AtLeastOnce,
		Retain:      true,
		ContentType: edge_api.ContentTypeJSON,
	}
	return errors.Annotate(self.session.Publish(ctx, msg), "update reported")
}

// Reported returns copy of cached reported state.
func (self *Client) Reported() map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	m := make(map[string]interface{}, len(self.reported))
	for k, v := range self.reported {
		m[k] = v
	}
	return m
}

type inboundKind int

const (
	inboundIgnore inboundKind = iota
	inboundCall
	inboundResponse
	inboundDesired
	inboundRouted
)

// classify maps topic to traffic kind, name is method name or route index.
func (self *Client) classify(topic string) (inboundKind, string) {
	levels := strings.Split(topic, "/")
	if len(levels) < 3 || levels[0] != self.deviceID {
		return inboundIgnore, ""
	}
	if levels[1] == self.moduleID {
		switch levels[2] {
		case "methods":
			switch {
			case len(levels) == 4:
				return inboundCall, levels[3]
			case len(levels) > 4:
				return inboundResponse, ""
			}
		case "twin":
			switch {
			case len(levels) == 4 && levels[3] == "desired":
				return inboundDesired, ""
			case len(levels) > 4 && levels[3] == "get":
				return inboundResponse, ""
			}
		}
		return inboundIgnore, ""
	}
	switch {
	case levels[1] == "methods":
		// device level method, only our call responses arrive here
		if len(levels) > 3 && self.strategy.IsResponse(topic) {
			return inboundResponse, ""
		}
	case levels[2] == "messages":
		return inboundRouted, ""
	case levels[2] == "methods":
		if len(levels) > 4 && self.strategy.IsResponse(topic) {
			return inboundResponse, ""
		}
	}
	return inboundIgnore, ""
}

// onMessage runs on session delivery path and must not block:
// desired deltas keep arrival order through c.desired,
// calls and routed messages get own goroutine.
func (self *Client) onMessage(m *transport.Message) {
	c := self.current()
	if c == nil || !c.alive.IsRunning() {
		self.log.Debugf("edge client closed, drop topic=%s", m.Topic)
		return
	}

	kind, name := self.classify(m.Topic)
	switch kind {
	case inboundResponse:
		c.rpc.HandleResponse(m)
	case inboundDesired:
		select {
		case c.desired <- m.Payload:
		default:
			self.log.Errorf("CRITICAL edge desired queue full, drop topic=%s", m.Topic)
		}
	case inboundCall:
		self.spawn(c, func() { self.dispatchCall(c, name, m) })
	case inboundRouted:
		self.spawn(c, func() { self.dispatchRouted(c.ctx, m) })
	default:
		self.log.Debugf("edge inbound ignore topic=%s", m.Topic)
	}
}

func (self *Client) spawn(c *cycle, fun func()) {
	if !c.alive.Add(1) {
		return
	}
	go func() {
		defer c.alive.Done()
		fun()
	}()
}

// desiredLoop applies desired deltas one by one in arrival order.
func (self *Client) desiredLoop(c *cycle) {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		select {
		case b := <-c.desired:
			if err := self.twin.Apply(c.ctx, b); err != nil {
				self.log.Errorf("edge desired err=%v", err)
			}
		case <-stopch:
			return
		}
	}
}

func (self *Client) dispatchCall(c *cycle, name string, m *transport.Message) {
	self.mu.Lock()
	h, ok := self.methods[name]
	if !ok {
		h = self.defaultMethod
	}
	self.mu.Unlock()

	handler := func(ctx context.Context, req *transport.Message) (*rpc.Response, error) {
		if h == nil {
			self.log.Errorf("edge method=%s not found", name)
			return &rpc.Response{Status: edge_api.StatusNotFound, Payload: []byte(fmt.Sprintf("method=%s not found", name))}, nil
		}
		ctx, cancel := context.WithTimeout(ctx, self.handlerTimeout)
		defer cancel()
		r, err := h(ctx, &edge_api.MethodRequest{Name: name, Payload: req.Payload})
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				self.log.Errorf("edge method=%s timeout=%v err=%v", name, self.handlerTimeout, err)
				return &rpc.Response{Status: edge_api.StatusTimeout, Payload: []byte(fmt.Sprintf("method=%s timeout", name))}, nil
			}
			return nil, err
		}
		if r == nil {
			return nil, nil
		}
		return &rpc.Response{Status: r.Status, Payload: r.Payload}, nil
	}
	if err := c.rpc.Answer(c.ctx, m, handler); err != nil {
		self.log.Errorf("edge method=%s answer err=%v", name, err)
	}
}

// routedInputs returns local inputs fed by topic, "" for default input.
func (self *Client) routedInputs(topic string) []string {
	levels := strings.Split(topic, "/")
	from, output := levels[1], ""
	if len(levels) > 3 {
		output = strings.Join(levels[3:], "/")
	}
	var inputs []string
	self.mu.Lock()
	for _, r := range self.routes {
		if r.FromModule == from && r.FromOutput == output {
			inputs = append(inputs, r.ToInput)
		}
	}
	self.mu.Unlock()
	return inputs
}

func (self *Client) dispatchRouted(ctx context.Context, m *transport.Message) {
	msg := &edge_api.Message{
		Payload:     m.Payload,
		Properties:  m.Properties,
		ContentType: m.ContentType,
		Topic:       m.Topic,
	}
	for _, input := range self.routedInputs(m.Topic) {
		self.mu.Lock()
		h, ok := self.inputs[input]
		if !ok {
			h = self.defaultInput
		}
		self.mu.Unlock()
		if h == nil {
			self.log.Errorf("edge input=%s topic=%s no handler", input, m.Topic)
			continue
		}
		self.callInput(ctx, h, input, msg)
	}
}

func (self *Client) callInput(ctx context.Context, h edge_api.MessageHandler, input string, m *edge_api.Message) {
	defer func() {
		if x := recover(); x != nil {
			self.log.Errorf("edge input=%s handler panic=%v\n%s", input, x, debug.Stack())
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, self.handlerTimeout)
	defer cancel()
	if err := h(ctx, input, m); err != nil {
		self.log.Errorf("edge input=%s handler err=%v", input, err)
	}
}
