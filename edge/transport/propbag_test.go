package transport

import (
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyBag(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		msg    Message
		expect string
	}{
		{"plain", Message{Topic: "d/m/messages"}, "d/m/messages"},
		{"content-type", Message{Topic: "d/m/messages", ContentType: "application/json"},
			"d/m/messages/?%24.ct=application%2Fjson"},
		{"request", Message{Topic: "d/m/methods/reset", CorrelationID: "abc", ResponseTopic: "d/m/methods/reset/response"},
			"d/m/methods/reset/?%24.cid=abc&%24.rt=d%2Fm%2Fmethods%2Freset%2Fresponse"},
		{"status", Message{Topic: "x", StatusCode: 404}, "x/?%24.st=404"},
		{"props-ordered", Message{Topic: "x", Properties: Properties{{"z", "1"}, {"a", "two words"}, {"plus", "+#"}}},
			"x/?z=1&a=two%20words&plus=%2B%23"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			wire := EncodeTopic(&c.msg)
			assert.Equal(t, c.expect, wire)
			assert.False(t, strings.ContainsAny(wire[len(c.msg.Topic):], "+#"))
			var decoded Message
			require.NoError(t, DecodeTopic(wire, &decoded))
			assert.Equal(t, c.msg.Topic, decoded.Topic)
			assert.Equal(t, c.msg.ContentType, decoded.ContentType)
			assert.Equal(t, c.msg.CorrelationID, decoded.CorrelationID)
			assert.Equal(t, c.msg.ResponseTopic, decoded.ResponseTopic)
			assert.Equal(t, c.msg.StatusCode, decoded.StatusCode)
			assert.Equal(t, c.msg.Properties, decoded.Properties)
		})
	}
}

func TestPropertyBagReservedKeysSkipped(t *testing.T) {
	t.Parallel()
	m := Message{Topic: "x", Properties: Properties{{"$.cid", "fake"}, {"k", "v"}}}
	assert.Equal(t, "x/?k=v", EncodeTopic(&m))
}

func TestDecodeTopicInvalid(t *testing.T) {
	t.Parallel()
	var m Message
	err := DecodeTopic("x/?%24.st=abc", &m)
	assert.True(t, errors.IsNotValid(err), errors.ErrorStack(err))
	err = DecodeTopic("x/?bad=%zz", &m)
	assert.True(t, errors.IsNotValid(err))
}

func TestProperties(t *testing.T) {
	t.Parallel()
	var ps Properties
	ps.Set("a", "1")
	ps.Set("b", "2")
	ps.Set("a", "3")
	assert.Equal(t, Properties{{"a", "3"}, {"b", "2"}}, ps)
	assert.False(t, ps.SetDefault("b", "4"))
	assert.True(t, ps.SetDefault("c", "5"))
	v, ok := ps.Get("c")
	assert.True(t, ok)
	assert.Equal(t, "5", v)
	assert.Equal(t, 6, ps.Size())
	c := ps.Clone()
	c.Set("a", "x")
	assert.Equal(t, "3", ps.Map()["a"])
}
