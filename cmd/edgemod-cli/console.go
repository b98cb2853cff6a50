package main

import (
	"context"
	"encoding/json"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	edge_api "github.com/temoto/edgemod/edge"
	"github.com/temoto/edgemod/internal/edge"
	"github.com/temoto/edgemod/log2"
)

const usage = `syntax: one command per line
(telemetry)
- send CHANNEL PAYLOAD        publish telemetry, CHANNEL - for default
(methods)
- invoke MODULE METHOD [ARG]  call method, MODULE - for device level
(twin)
- report KEY=JSON...          update reported properties, KEY= deletes
- fetch                       request desired document from hub
- desired                     show last applied desired state
- watch PROPERTY              print desired property changes
(meta)
- status                      connection state and counters
- log=yes|no                  debug logging
`

// console executes text commands against module client.
// Results go to out, client internals log elsewhere.
type console struct {
	client   *edge.Client
	deviceID string
	out      *log2.Log
	debug    func(bool)
}

func (c *console) exec(ctx context.Context, line string) {
	if err := c.run(ctx, line); err != nil {
		c.out.Error(errors.ErrorStack(err))
	}
}

func (c *console) run(ctx context.Context, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, args := words[0], words[1:]
	switch cmd {
	case "help":
		c.out.Infof(usage)
		return nil
	case "send":
		return c.send(ctx, args)
	case "invoke":
		return c.invoke(ctx, args)
	case "report":
		return c.report(ctx, args)
	case "fetch":
		b, err := c.client.FetchDesired(ctx)
		if err != nil {
			return err
		}
		c.out.Infof("< %s", b)
		return nil
	case "desired":
		ds := c.client.Twin().Snapshot()
		c.out.Infof("< version=%d", c.client.Twin().LastVersion())
		for _, name := range ds.Names() {
			v, _ := ds.Get(name)
			c.out.Infof("< %s=%s", name, v)
		}
		return nil
	case "watch":
		return c.watch(args)
	case "status":
		c.out.Infof("< state=%s", c.client.State())
		return nil
	case "log=yes", "log=no":
		if c.debug != nil {
			c.debug(cmd == "log=yes")
		}
		return nil
	}
	return errors.NotSupportedf("command=%s, try help", cmd)
}

func (c *console) send(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.NotValidf("send syntax, expected: send CHANNEL PAYLOAD")
	}
	channel := args[0]
	if channel == "-" {
		channel = ""
	}
	m := edge_api.NewMessage([]byte(strings.Join(args[1:], " ")))
	if json.Valid(m.Payload) {
		m.ContentType = edge_api.ContentTypeJSON
	}
	return c.client.SendTelemetry(ctx, channel, m)
}

func (c *console) invoke(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.NotValidf("invoke syntax, expected: invoke MODULE METHOD [ARG]")
	}
	module := args[0]
	if module == "-" {
		module = ""
	}
	req := &edge_api.MethodRequest{Name: args[1], Payload: []byte(strings.Join(args[2:], " "))}
	resp, err := c.client.InvokeMethod(ctx, c.deviceID, module, req)
	if err != nil {
		return err
	}
	c.out.Infof("< %d %s", resp.Status, resp.Payload)
	return nil
}

// report parses KEY=JSON words, non JSON value is taken as string.
func (c *console) report(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.NotValidf("report syntax, expected: report KEY=JSON...")
	}
	delta := make(map[string]interface{}, len(args))
	for _, word := range args {
		parts := strings.SplitN(word, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return errors.NotValidf("report word=%s", word)
		}
		key, value := parts[0], parts[1]
		if value == "" {
			delta[key] = nil
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		delta[key] = v
	}
	return c.client.UpdateReportedProperties(ctx, delta)
}

func (c *console) watch(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("watch syntax, expected: watch PROPERTY")
	}
	property := args[0]
	return c.client.SetDesiredPropertyHandler(edge_api.DesiredInterest{
		Property: property,
		Handle: func(ctx context.Context, value json.RawMessage, present bool) error {
			if present {
				c.out.Infof("< desired %s=%s", property, value)
			} else {
				c.out.Infof("< desired %s deleted", property)
			}
			return nil
		},
	})
}

func newCompleter() prompt.Completer {
	suggests := []prompt.Suggest{
		{Text: "send", Description: "publish telemetry"},
		{Text: "invoke", Description: "call method"},
		{Text: "report", Description: "update reported properties"},
		{Text: "fetch", Description: "request desired document"},
		{Text: "desired", Description: "show desired state"},
		{Text: "watch", Description: "print desired property changes"},
		{Text: "status", Description: "connection state"},
		{Text: "log=yes", Description: "enable debug logging"},
		{Text: "log=no", Description: "disable debug logging"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
