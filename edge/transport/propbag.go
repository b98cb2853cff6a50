package transport

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// MQTT 3.1.1 has no user properties. Metadata travels in extra last topic level:
//   base/?k1=v1&k2=v2
// Keys and values are query escaped, so bag never contains wildcard or separator.
const (
	bagLevelPrefix = "/?"

	KeyContentType   = "$.ct"
	KeyCorrelationID = "$.cid"
	KeyResponseTopic = "$.rt"
	KeyStatusCode    = "$.st"
)

func bagEscape(s string) string {
	// QueryEscape turns space into '+', which is MQTT wildcard
	return strings.Replace(url.QueryEscape(s), "+", "%20", -1)
}

// EncodeTopic returns wire topic with message metadata attached.
func EncodeTopic(m *Message) string {
	var b strings.Builder
	sep := func() {
		if b.Len() == 0 {
			b.WriteString(m.Topic)
			b.WriteString(bagLevelPrefix)
		} else {
			b.WriteByte('&')
		}
	}
	add := func(k, v string) {
		sep()
		b.WriteString(bagEscape(k))
		b.WriteByte('=')
		b.WriteString(bagEscape(v))
	}
	if m.ContentType != "" {
		add(KeyContentType, m.ContentType)
	}
	if m.CorrelationID != "" {
		add(KeyCorrelationID, m.CorrelationID)
	}
	if m.ResponseTopic != "" {
		add(KeyResponseTopic, m.ResponseTopic)
	}
	if m.StatusCode != 0 {
		add(KeyStatusCode, strconv.Itoa(m.StatusCode))
	}
	for _, p := range m.Properties {
		if isReservedKey(p.Key) {
			continue
		}
		add(p.Key, p.Value)
	}
	if b.Len() == 0 {
		return m.Topic
	}
	return b.String()
}

// DecodeTopic splits wire topic into base topic and metadata, filling m.
func DecodeTopic(wire string, m *Message) error {
	m.Topic = wire
	idx := strings.LastIndex(wire, bagLevelPrefix)
	if idx < 0 {
		return nil
	}
	query := wire[idx+len(bagLevelPrefix):]
	if strings.IndexByte(query, '/') >= 0 {
		return nil
	}
	m.Topic = wire[:idx]
	if query == "" {
		return nil
	}
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		k, err := url.QueryUnescape(kv[0])
		if err != nil {
			return errors.NotValidf("property bag key=%q", kv[0])
		}
		v := ""
		if len(kv) == 2 {
			if v, err = url.QueryUnescape(kv[1]); err != nil {
				return errors.NotValidf("property bag key=%s value=%q", k, kv[1])
			}
		}
		switch k {
		case KeyContentType:
			m.ContentType = v
		case KeyCorrelationID:
			m.CorrelationID = v
		case KeyResponseTopic:
			m.ResponseTopic = v
		case KeyStatusCode:
			code, err := strconv.Atoi(v)
			if err != nil {
				return errors.NotValidf("property bag status=%q", v)
			}
			m.StatusCode = code
		default:
			m.Properties.Set(k, v)
		}
	}
	return nil
}

func isReservedKey(k string) bool { return strings.HasPrefix(k, "$.") }
