package main

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	edge_api "github.com/temoto/edgemod/edge"
	edge_config "github.com/temoto/edgemod/edge/config"
	"github.com/temoto/edgemod/edge/transport"
	"github.com/temoto/edgemod/helpers"
	"github.com/temoto/edgemod/internal/edge"
	"github.com/temoto/edgemod/internal/processor"
	"github.com/temoto/edgemod/internal/twin"
	"github.com/temoto/edgemod/log2"
	"golang.org/x/sync/errgroup"
)

var BuildVersion string = "unknown" // set by ldflags -X

type app struct {
	config    *edge_config.Config
	log       *log2.Log
	logLevel  log2.Level
	registry  *prometheus.Registry
	inputs    *prometheus.CounterVec
	logErrors prometheus.Counter
	client    edge_api.Clienter
	module    *edge.Client // nil when disabled
	session   transport.Session
	throttles []*processor.Throttled
	started   time.Time
	sampleSeq uint64
	ready     func()
}

func newApp(config *edge_config.Config, log *log2.Log, level log2.Level) (*app, error) {
	a := &app{
		config:   config,
		log:      log,
		logLevel: level,
		registry: prometheus.NewRegistry(),
		client:   edge_api.Noop{},
		started:  time.Now(),
		ready:    func() {},
	}
	a.inputs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemod_input_messages_total",
		Help: "Routed messages received per local input.",
	}, []string{"input"})
	a.logErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgemod_log_errors_total",
		Help: "Errors logged by any component.",
	})
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		a.inputs,
		a.logErrors,
	)
	log.SetErrorFunc(func(error) { a.logErrors.Inc() })

	if config.Enabled {
		if err := a.initClient(); err != nil {
			return nil, err
		}
	} else {
		log.Infof("edge disabled, telemetry goes nowhere")
	}

	for _, tc := range config.Throttles {
		t, err := processor.NewThrottled(processor.ThrottleOptions{
			Sender:         a.client,
			Channel:        tc.TelemetryChannel(),
			Capacity:       tc.Capacity,
			MaxMessageSize: tc.MaxMessageSize,
			Window:         tc.Window(),
			Log:            log,
			Registerer:     a.registry,
		})
		if err != nil {
			return nil, errors.Annotatef(err, "throttle=%s", tc.Name)
		}
		a.throttles = append(a.throttles, t)
		if a.module != nil {
			a.module.AttachProcessor(t)
		}
	}
	return a, nil
}

func (a *app) initClient() error {
	c := a.config
	var libLog *log2.Log
	if c.MqttLogDebug {
		libLog = a.log.Prefixed("paho ")
		libLog.SetLevel(log2.LDebug)
	}
	session, err := transport.NewSession(transport.Options{
		Broker:         c.MqttBroker,
		ClientID:       c.ClientID(),
		Username:       c.MqttUsername,
		Password:       c.MqttPassword,
		KeepAlive:      c.KeepAlive(),
		NetworkTimeout: c.NetworkTimeout(),
		ReconnectDelay: c.ReconnectDelay(),
		Log:            a.log,
		LibLog:         libLog,
	})
	if err != nil {
		return errors.Annotate(err, "edge session")
	}

	routes := make([]edge_api.Route, len(c.Routes))
	for i, r := range c.Routes {
		routes[i] = edge_api.Route{Name: r.Name, FromModule: r.FromModule, FromOutput: r.FromOutput, ToInput: r.ToInput}
	}
	table, err := edge_api.NewRouteTable(
		[]edge_api.CallRoute{
			{Kind: edge_api.MatchNamed, Name: "ping", Handler: a.methodPing},
			{Kind: edge_api.MatchNamed, Name: "stats", Handler: a.methodStats},
		},
		[]edge_api.InputRoute{
			{Kind: edge_api.MatchDefault, Handler: a.onInput},
		},
		routes)
	if err != nil {
		return errors.Annotate(err, "edge routes")
	}

	module, err := edge.NewClient(edge.Options{
		DeviceID:       c.DeviceID,
		ModuleID:       c.ModuleID,
		Session:        session,
		Routes:         table,
		ResponseSuffix: c.ResponseSuffix,
		CallTimeout:    c.CallTimeout(),
		HandlerTimeout: c.HandlerTimeout(),
		GateTimeout:    c.GateTimeout(),
		Log:            a.log,
	})
	if err != nil {
		return errors.Annotate(err, "edge client")
	}
	module.SetConnectionStatusChangesHandler(func(s edge_api.ConnectionStatus, r edge_api.ConnectionReason) {
		a.log.Infof("edge connection status=%s reason=%s", s, r)
	})
	if err := module.SetDesiredPropertyHandler(edge_api.DesiredInterest{
		Property: "log_debug",
		Handle:   twin.Typed(a.desiredLogDebug),
	}); err != nil {
		return err
	}
	a.session, a.module, a.client = session, module, module
	return nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.client.Open(ctx); err != nil {
		if !transport.IsConnectError(err) {
			return errors.Annotate(err, "edge open")
		}
		a.log.Errorf("broker unreachable, retrying in background")
	}
	a.ready()
	a.log.Infof("edgemod version=%s running", BuildVersion)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range a.throttles {
		t := t
		g.Go(func() error { return t.Run(gctx) })
	}
	if a.module != nil {
		g.Go(func() error {
			a.startup(gctx)
			return nil
		})
		if interval := a.config.ResyncInterval(); interval > 0 {
			g.Go(func() error { return a.module.Twin().RunResync(gctx, interval) })
		}
	}
	if interval := a.config.SampleInterval(); interval > 0 {
		g.Go(func() error { return a.runSample(gctx, interval) })
	}
	if a.config.MetricsListen != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	err := g.Wait()
	return helpers.FoldErrors([]error{err, a.client.Close()})
}

// startup fetches initial desired state and announces module in reported state.
func (a *app) startup(ctx context.Context) {
	if err := a.module.Twin().Resync(ctx); err != nil {
		a.log.Errorf("edge initial resync err=%v", err)
	}
	channels := make([]string, len(a.throttles))
	for i, t := range a.throttles {
		channels[i] = t.Channel()
	}
	err := a.client.UpdateReportedProperties(ctx, map[string]interface{}{
		"version":  BuildVersion,
		"started":  a.started.UTC().Format(time.RFC3339),
		"channels": channels,
	})
	if err != nil {
		a.log.Errorf("edge report startup err=%v", err)
	}
}

func (a *app) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.config.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	a.log.Infof("metrics listen=%s", a.config.MetricsListen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Annotatef(err, "metrics listen=%s", a.config.MetricsListen)
	}
	return nil
}

// sampleQueue is throttle of default telemetry channel, else first configured.
func (a *app) sampleQueue() *processor.Throttled {
	for _, t := range a.throttles {
		if t.Channel() == "" {
			return t
		}
	}
	return a.throttles[0]
}

type sample struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	UptimeSec  int64     `json:"uptime_sec"`
	Goroutines int       `json:"goroutines"`
}

func (a *app) runSample(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			a.sample(now)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *app) sample(now time.Time) {
	m, err := edge_api.NewJSONMessage(sample{
		Seq:        atomic.AddUint64(&a.sampleSeq, 1),
		Time:       now.UTC(),
		UptimeSec:  int64(now.Sub(a.started) / time.Second),
		Goroutines: runtime.NumGoroutine(),
	})
	if err != nil {
		a.log.Errorf("sample err=%v", err)
		return
	}
	m.Properties.Set("kind", "sample")
	a.sampleQueue().Enqueue(m)
}

func (a *app) methodPing(ctx context.Context, req *edge_api.MethodRequest) (*edge_api.MethodResponse, error) {
	if len(req.Payload) != 0 {
		return edge_api.Ok(req.Payload), nil
	}
	return edge_api.Ok([]byte("pong")), nil
}

type throttleStat struct {
	Channel       string `json:"channel"`
	Queued        int    `json:"queued"`
	Enqueued      uint64 `json:"enqueued"`
	EnqueueFailed uint64 `json:"enqueue_failed"`
	Processed     uint64 `json:"processed"`
	Sent          uint64 `json:"sent"`
}

func (a *app) methodStats(ctx context.Context, req *edge_api.MethodRequest) (*edge_api.MethodResponse, error) {
	stats := struct {
		Session   transport.SessionStat `json:"session"`
		Throttles []throttleStat        `json:"throttles"`
	}{}
	if a.session != nil {
		stats.Session = a.session.Stat()
	}
	for _, t := range a.throttles {
		stats.Throttles = append(stats.Throttles, throttleStat{
			Channel:       t.Channel(),
			Queued:        t.Len(),
			Enqueued:      t.EnqueueCount(),
			EnqueueFailed: t.EnqueueFailCount(),
			Processed:     t.ProcessedCount(),
			Sent:          t.SendCount(),
		})
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return nil, errors.Annotate(err, "stats")
	}
	return edge_api.Ok(b), nil
}

func (a *app) onInput(ctx context.Context, input string, m *edge_api.Message) error {
	a.inputs.WithLabelValues(input).Inc()
	a.log.Debugf("input=%s topic=%s len=%d", input, m.Topic, len(m.Payload))
	return nil
}

func (a *app) desiredLogDebug(ctx context.Context, debug bool, present bool) error {
	level := a.logLevel
	if present && debug {
		level = log2.LDebug
	}
	a.log.SetLevel(level)
	a.log.Infof("desired log_debug=%t present=%t level=%s", debug, present, level)
	return nil
}
