package twin

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/juju/errors"
)

const VersionKey = "$version"

var jsonNull = []byte("null")

// DesiredState is desired configuration document.
// In delta, nil or JSON null value means property deletion.
type DesiredState struct {
	Version    int64
	Properties map[string]json.RawMessage
}

func ParseDesired(b []byte) (*DesiredState, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.NotValidf("desired json err=%v", err)
	}
	if raw == nil {
		return nil, errors.NotValidf("desired document null")
	}
	vraw, ok := raw[VersionKey]
	if !ok {
		return nil, errors.NotValidf("desired document without %s", VersionKey)
	}
	ds := &DesiredState{Properties: make(map[string]json.RawMessage, len(raw))}
	if err := json.Unmarshal(vraw, &ds.Version); err != nil {
		return nil, errors.NotValidf("desired %s=%s", VersionKey, string(vraw))
	}
	delete(raw, VersionKey)
	for k, v := range raw {
		ds.Properties[k] = v
	}
	return ds, nil
}

func (ds *DesiredState) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(ds.Properties)+1)
	for k, v := range ds.Properties {
		if isDelete(v) {
			m[k] = jsonNull
		} else {
			m[k] = v
		}
	}
	v, _ := json.Marshal(ds.Version)
	m[VersionKey] = v
	return json.Marshal(m)
}

func (ds *DesiredState) Clone() *DesiredState {
	c := &DesiredState{Version: ds.Version, Properties: make(map[string]json.RawMessage, len(ds.Properties))}
	for k, v := range ds.Properties {
		c.Properties[k] = v
	}
	return c
}

// Get returns present (non-deleted) property value.
func (ds *DesiredState) Get(name string) (json.RawMessage, bool) {
	if ds == nil {
		return nil, false
	}
	v, ok := ds.Properties[name]
	if !ok || isDelete(v) {
		return nil, false
	}
	return v, true
}

func (ds *DesiredState) Names() []string {
	names := make([]string, 0, len(ds.Properties))
	for k := range ds.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// merge applies delta on top of ds, returns new state.
func (ds *DesiredState) merge(delta *DesiredState) *DesiredState {
	result := ds.Clone()
	result.Version = delta.Version
	for k, v := range delta.Properties {
		if isDelete(v) {
			delete(result.Properties, k)
		} else {
			result.Properties[k] = v
		}
	}
	return result
}

func isDelete(v json.RawMessage) bool {
	return v == nil || bytes.Equal(bytes.TrimSpace(v), jsonNull)
}
