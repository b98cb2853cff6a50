package edge

import (
	"strings"

	"github.com/juju/errors"
)

type MatchKind int

const (
	MatchDefault MatchKind = iota
	MatchNamed
)

type CallRoute struct {
	Kind    MatchKind
	Name    string
	Handler MethodHandler
}

type InputRoute struct {
	Kind    MatchKind
	Name    string
	Handler MessageHandler
}

// Route forwards output of another module on same device into local input.
// Empty FromOutput means default output.
type Route struct {
	Name       string
	FromModule string
	FromOutput string
	ToInput    string
}

// RouteTable is read-only after construction.
type RouteTable struct {
	calls        map[string]MethodHandler
	defaultCall  MethodHandler
	inputs       map[string]MessageHandler
	defaultInput MessageHandler
	routes       []Route
}

// NewRouteTable rejects duplicate names and more than one default per kind.
func NewRouteTable(calls []CallRoute, inputs []InputRoute, routes []Route) (*RouteTable, error) {
	rt := &RouteTable{
		calls:  make(map[string]MethodHandler, len(calls)),
		inputs: make(map[string]MessageHandler, len(inputs)),
	}
	for _, c := range calls {
		if c.Handler == nil {
			return nil, errors.NotValidf("call route name=%s handler nil", c.Name)
		}
		switch c.Kind {
		case MatchDefault:
			if rt.defaultCall != nil {
				return nil, errors.AlreadyExistsf("default call handler")
			}
			rt.defaultCall = c.Handler
		case MatchNamed:
			if err := ValidName("call", c.Name); err != nil {
				return nil, err
			}
			if _, ok := rt.calls[c.Name]; ok {
				return nil, errors.AlreadyExistsf("call handler name=%s", c.Name)
			}
			rt.calls[c.Name] = c.Handler
		default:
			return nil, errors.NotValidf("call route kind=%d", c.Kind)
		}
	}
	for _, in := range inputs {
		if in.Handler == nil {
			return nil, errors.NotValidf("input route name=%s handler nil", in.Name)
		}
		switch in.Kind {
		case MatchDefault:
			if rt.defaultInput != nil {
				return nil, errors.AlreadyExistsf("default input handler")
			}
			rt.defaultInput = in.Handler
		case MatchNamed:
			if err := ValidName("input", in.Name); err != nil {
				return nil, err
			}
			if _, ok := rt.inputs[in.Name]; ok {
				return nil, errors.AlreadyExistsf("input handler name=%s", in.Name)
			}
			rt.inputs[in.Name] = in.Handler
		default:
			return nil, errors.NotValidf("input route kind=%d", in.Kind)
		}
	}
	for _, r := range routes {
		if err := ValidName("route from module", r.FromModule); err != nil {
			return nil, err
		}
		if r.FromOutput != "" {
			if err := ValidName("route from output", r.FromOutput); err != nil {
				return nil, err
			}
		}
	}
	rt.routes = append([]Route(nil), routes...)
	return rt, nil
}

func (rt *RouteTable) Routes() []Route {
	if rt == nil {
		return nil
	}
	return append([]Route(nil), rt.routes...)
}

// Calls returns named call handlers and default (maybe nil).
func (rt *RouteTable) Calls() (map[string]MethodHandler, MethodHandler) {
	if rt == nil {
		return nil, nil
	}
	m := make(map[string]MethodHandler, len(rt.calls))
	for k, v := range rt.calls {
		m[k] = v
	}
	return m, rt.defaultCall
}

// Inputs returns named input handlers and default (maybe nil).
func (rt *RouteTable) Inputs() (map[string]MessageHandler, MessageHandler) {
	if rt == nil {
		return nil, nil
	}
	m := make(map[string]MessageHandler, len(rt.inputs))
	for k, v := range rt.inputs {
		m[k] = v
	}
	return m, rt.defaultInput
}

// Topic level must not be empty, contain separator or wildcards.
func ValidName(what, name string) error {
	if name == "" || strings.ContainsAny(name, "/+#?") {
		return errors.NotValidf("%s name=%q", what, name)
	}
	return nil
}

