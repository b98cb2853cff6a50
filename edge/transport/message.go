package transport

import (
	"fmt"
	"strconv"

	"github.com/256dpi/gomqtt/packet"
)

type QOS = packet.QOS

const (
	AtMostOnce  QOS = packet.QOSAtMostOnce
	AtLeastOnce QOS = packet.QOSAtLeastOnce
	ExactlyOnce QOS = packet.QOSExactlyOnce
)

type Property struct {
	Key   string
	Value string
}

// Properties is ordered set of unique keys. Zero value is empty set.
type Properties []Property

func (ps Properties) Get(key string) (string, bool) {
	for _, p := range ps {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (ps Properties) Has(key string) bool {
	_, ok := ps.Get(key)
	return ok
}

// Set replaces existing value in place or appends new key.
func (ps *Properties) Set(key, value string) {
	for i := range *ps {
		if (*ps)[i].Key == key {
			(*ps)[i].Value = value
			return
		}
	}
	*ps = append(*ps, Property{Key: key, Value: value})
}

// SetDefault appends key only if it is not present yet.
// Returns true if value was stored.
func (ps *Properties) SetDefault(key, value string) bool {
	if ps.Has(key) {
		return false
	}
	*ps = append(*ps, Property{Key: key, Value: value})
	return true
}

func (ps Properties) Clone() Properties {
	if ps == nil {
		return nil
	}
	c := make(Properties, len(ps))
	copy(c, ps)
	return c
}

// Size is the sum of key and value lengths.
func (ps Properties) Size() int {
	n := 0
	for _, p := range ps {
		n += len(p.Key) + len(p.Value)
	}
	return n
}

func (ps Properties) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Key] = p.Value
	}
	return m
}

// Message is one publish unit in either direction.
// Topic never contains property bag, see EncodeTopic.
type Message struct {
	Topic         string
	Payload       []byte
	QOS           QOS
	Retain        bool
	Properties    Properties
	ContentType   string
	CorrelationID string
	ResponseTopic string
	StatusCode    int
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s qos=%d retain=%t cid=%s status=%s len=%d",
		m.Topic, m.QOS, m.Retain, m.CorrelationID, strconv.Itoa(m.StatusCode), len(m.Payload))
}

type Status int32

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Reason tags connection status changes.
type Reason string

const (
	ReasonConnectionOK       Reason = "connection_ok"
	ReasonCommunicationError Reason = "communication_error"
	ReasonClientClose        Reason = "client_close"
	ReasonRetryExpired       Reason = "retry_expired"
)

// MessageHandler is called for inbound messages one at a time, in arrival order.
// It must not block, in particular must not wait for other inbound messages.
type MessageHandler func(*Message)
type StatusHandler func(Status, Reason)
