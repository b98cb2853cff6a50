package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	edge_api "github.com/temoto/edgemod/edge"
	"github.com/temoto/edgemod/edge/transport"
	"github.com/temoto/edgemod/helpers/cli"
	"github.com/temoto/edgemod/internal/edge"
	"github.com/temoto/edgemod/log2"
)

type syncBuffer struct {
	sync.Mutex
	b bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.Lock()
	defer sb.Unlock()
	return sb.b.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.Lock()
	defer sb.Unlock()
	return sb.b.String()
}

func newModule(t testing.TB, broker *transport.Broker, module string, log *log2.Log) *edge.Client {
	c, err := edge.NewClient(edge.Options{
		DeviceID:    "dev1",
		ModuleID:    module,
		Session:     broker.NewSession(transport.Options{ClientID: "dev1." + module, Log: log}),
		CallTimeout: time.Second,
		Log:         log,
	})
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConsole(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	broker := transport.NewBroker(log)
	ctx := context.Background()

	hub := broker.NewSession(transport.Options{ClientID: "hub", Log: log})
	telemetry := make(chan *transport.Message, 4)
	hub.SetMessageHandler(func(m *transport.Message) { telemetry <- m })
	require.NoError(t, hub.Open(ctx))
	require.NoError(t, hub.Subscribe(ctx, "dev1/cli/messages/#", transport.AtLeastOnce))

	target := newModule(t, broker, "mod", log)
	require.NoError(t, target.SetMethodHandler("sum", func(ctx context.Context, req *edge_api.MethodRequest) (*edge_api.MethodResponse, error) {
		assert.Equal(t, "[1,2]", string(req.Payload))
		return edge_api.Ok([]byte("3")), nil
	}))

	out := &syncBuffer{}
	outLog := log2.NewWriter(out, log2.LInfo)
	outLog.SetFlags(0)
	c := &console{client: newModule(t, broker, "cli", log), deviceID: "dev1", out: outLog}

	script := `
# comment
send - {"t":1}
invoke mod sum [1,2]
report fw="1.0" n=3
watch mode
status
bogus
`
	require.NoError(t, cli.ReadLines(ctx, strings.NewReader(script), c.exec))

	select {
	case m := <-telemetry:
		assert.Equal(t, "dev1/cli/messages", m.Topic)
		assert.Equal(t, edge_api.ContentTypeJSON, m.ContentType)
		assert.Equal(t, `{"t":1}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("telemetry not sent")
	}
	reported, ok := broker.Retained("dev1/cli/twin/reported")
	require.True(t, ok)
	assert.JSONEq(t, `{"$version":1,"fw":"1.0","n":3}`, string(reported.Payload))

	broker.Publish(&transport.Message{Topic: "dev1/cli/twin/desired", Payload: []byte(`{"$version":2,"mode":"eco"}`)})
	require.Eventually(t, func() bool { return strings.Contains(out.String(), `< desired mode="eco"`) }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return c.client.Twin().LastVersion() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.run(ctx, "desired"))
	s := out.String()
	assert.Contains(t, s, "< version=2\n")
	assert.Contains(t, s, "< mode=\"eco\"\n")
	assert.Contains(t, s, "< 200 3\n")
	assert.Contains(t, s, "< state=open\n")
	assert.Contains(t, s, "command=bogus")
}

func TestConsoleSyntax(t *testing.T) {
	t.Parallel()
	c := &console{out: log2.NewTest(t, log2.LDebug)}
	ctx := context.Background()
	cases := []string{
		"send",
		"send -",
		"invoke mod",
		"report",
		"report =1",
		"watch",
		"watch a b",
	}
	for _, line := range cases {
		assert.Error(t, c.run(ctx, line), line)
	}
	assert.NoError(t, c.run(ctx, ""))
	assert.NoError(t, c.run(ctx, "help"))
}
