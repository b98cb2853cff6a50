package edge

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func methodReturning(status int) MethodHandler {
	return func(ctx context.Context, req *MethodRequest) (*MethodResponse, error) {
		return &MethodResponse{Status: status}, nil
	}
}

func TestRouteTable(t *testing.T) {
	t.Parallel()
	nopInput := func(ctx context.Context, input string, m *Message) error { return nil }

	cases := []struct {
		name   string
		calls  []CallRoute
		inputs []InputRoute
		routes []Route
		check  func(t testing.TB, rt *RouteTable, err error)
	}{
		{"empty", nil, nil, nil, func(t testing.TB, rt *RouteTable, err error) {
			require.NoError(t, err)
			calls, defaultCall := rt.Calls()
			assert.Len(t, calls, 0)
			assert.Nil(t, defaultCall)
			inputs, defaultInput := rt.Inputs()
			assert.Len(t, inputs, 0)
			assert.Nil(t, defaultInput)
		}},
		{"named-then-default", []CallRoute{
			{Kind: MatchNamed, Name: "reset", Handler: methodReturning(201)},
			{Kind: MatchDefault, Handler: methodReturning(202)},
		}, nil, nil, func(t testing.TB, rt *RouteTable, err error) {
			require.NoError(t, err)
			calls, defaultCall := rt.Calls()
			require.Len(t, calls, 1)
			r, _ := calls["reset"](context.Background(), &MethodRequest{})
			assert.Equal(t, 201, r.Status)
			require.NotNil(t, defaultCall)
			r, _ = defaultCall(context.Background(), &MethodRequest{})
			assert.Equal(t, 202, r.Status)
			calls["x"] = defaultCall
			again, _ := rt.Calls()
			assert.Len(t, again, 1, "Calls returns copy")
		}},
		{"duplicate-default-call", []CallRoute{
			{Kind: MatchDefault, Handler: methodReturning(1)},
			{Kind: MatchDefault, Handler: methodReturning(2)},
		}, nil, nil, func(t testing.TB, rt *RouteTable, err error) {
			assert.True(t, errors.IsAlreadyExists(err), errors.ErrorStack(err))
		}},
		{"duplicate-named-call", []CallRoute{
			{Kind: MatchNamed, Name: "a", Handler: methodReturning(1)},
			{Kind: MatchNamed, Name: "a", Handler: methodReturning(2)},
		}, nil, nil, func(t testing.TB, rt *RouteTable, err error) {
			assert.True(t, errors.IsAlreadyExists(err))
		}},
		{"duplicate-default-input", nil, []InputRoute{
			{Kind: MatchDefault, Handler: nopInput},
			{Kind: MatchDefault, Handler: nopInput},
		}, nil, func(t testing.TB, rt *RouteTable, err error) {
			assert.True(t, errors.IsAlreadyExists(err))
		}},
		{"invalid-name", []CallRoute{
			{Kind: MatchNamed, Name: "a/b", Handler: methodReturning(1)},
		}, nil, nil, func(t testing.TB, rt *RouteTable, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"nil-handler", nil, []InputRoute{{Kind: MatchNamed, Name: "in"}}, nil,
			func(t testing.TB, rt *RouteTable, err error) {
				assert.True(t, errors.IsNotValid(err))
			}},
		{"routes", nil, []InputRoute{{Kind: MatchNamed, Name: "input1", Handler: nopInput}},
			[]Route{{Name: "sensor", FromModule: "sensor", FromOutput: "out1", ToInput: "input1"}},
			func(t testing.TB, rt *RouteTable, err error) {
				require.NoError(t, err)
				assert.Len(t, rt.Routes(), 1)
				inputs, defaultInput := rt.Inputs()
				assert.Contains(t, inputs, "input1")
				assert.NotContains(t, inputs, "input2")
				assert.Nil(t, defaultInput)
			}},
		{"route-bad-module", nil, nil, []Route{{FromModule: ""}},
			func(t testing.TB, rt *RouteTable, err error) {
				assert.True(t, errors.IsNotValid(err))
			}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			rt, err := NewRouteTable(c.calls, c.inputs, c.routes)
			c.check(t, rt, err)
		})
	}
}

func TestMethodResponseHelpers(t *testing.T) {
	t.Parallel()
	assert.True(t, Ok(nil).Success())
	assert.Equal(t, StatusBadRequest, BadRequest("bad").Status)
	assert.Equal(t, "boom", string(Error("boom").Payload))
	assert.False(t, Error("boom").Success())
	se := NewStatusError(StatusBadRequest, errors.New("field x"))
	assert.Equal(t, "field x", se.Error())
	assert.Equal(t, StatusBadRequest, se.StatusCode())
}

func TestMessageProperties(t *testing.T) {
	t.Parallel()
	m := NewMessage([]byte("x"))
	m.Properties = Properties{Property{Key: "kind", Value: "sample"}}
	m.Properties.Set("seq", "1")
	v, ok := m.Properties.Get("kind")
	assert.True(t, ok)
	assert.Equal(t, "sample", v)
	assert.Equal(t, Property{Key: "seq", Value: "1"}, m.Properties[1])
}

func TestNoop(t *testing.T) {
	t.Parallel()
	var c Clienter = Noop{}
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.SendTelemetry(context.Background(), "", NewMessage([]byte("x"))))
	r, err := c.InvokeMethod(context.Background(), "d", "m", &MethodRequest{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, r.Status)
	require.NoError(t, c.Close())
}
