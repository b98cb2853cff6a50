package edge_config

import (
	"fmt"
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
	"github.com/hashicorp/hcl/hcl/scanner"
	"github.com/hashicorp/hcl/hcl/token"
	"github.com/juju/errors"
	"github.com/temoto/edgemod/helpers"
)

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	DeviceID          string `hcl:"device_id"`
	ModuleID          string `hcl:"module_id"`
	LogDebug          bool   `hcl:"log_debug"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttUsername      string `hcl:"mqtt_username"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	ResponseSuffix    string `hcl:"response_suffix"`
	CallTimeoutSec    int    `hcl:"call_timeout_sec"`
	HandlerTimeoutSec int    `hcl:"handler_timeout_sec"`
	GateTimeoutSec    int    `hcl:"gate_timeout_sec"`
	ResyncIntervalSec int    `hcl:"resync_interval_sec"`
	SampleIntervalSec int    `hcl:"sample_interval_sec"`
	MetricsListen     string `hcl:"metrics_listen"`

	Throttles []Throttle `hcl:"throttle"`
	Routes    []Route    `hcl:"route"`
}

type Throttle struct {
	Name           string `hcl:"name,key"`
	Channel        string `hcl:"channel"` // telemetry channel, default = name unless name is "default"
	Capacity       int    `hcl:"capacity"`
	MaxMessageSize int    `hcl:"max_message_size"`
	WindowMs       int    `hcl:"window_ms"`
}

func (t *Throttle) String() string {
	return fmt.Sprintf("throttle.%s capacity=%d max=%d window=%v", t.Name, t.Capacity, t.MaxMessageSize, t.Window())
}

func (t *Throttle) Window() time.Duration { return helpers.IntMillisecondDefault(t.WindowMs, DefaultWindow) }

func (t *Throttle) TelemetryChannel() string {
	if t.Channel != "" || t.Name == DefaultThrottle {
		return t.Channel
	}
	return t.Name
}

type Route struct {
	Name       string `hcl:"name,key"`
	FromModule string `hcl:"from_module"`
	FromOutput string `hcl:"from_output"`
	ToInput    string `hcl:"to_input"`
}

const (
	DefaultThrottle       = "default"
	DefaultCapacity       = 1000
	DefaultMaxMessageSize = 4096
	DefaultWindow         = 20 * time.Second
	DefaultResponseSuffix = "response"
	DefaultTimeout        = 30 * time.Second
)

func (c *Config) KeepAlive() time.Duration { return helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second) }
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, 30*time.Second)
}
func (c *Config) ReconnectDelay() time.Duration {
	return helpers.IntSecondDefault(c.ReconnectDelaySec, 1*time.Second)
}
func (c *Config) CallTimeout() time.Duration { return helpers.IntSecondDefault(c.CallTimeoutSec, DefaultTimeout) }
func (c *Config) HandlerTimeout() time.Duration {
	return helpers.IntSecondDefault(c.HandlerTimeoutSec, DefaultTimeout)
}
func (c *Config) GateTimeout() time.Duration { return helpers.IntSecondDefault(c.GateTimeoutSec, DefaultTimeout) }

// ResyncInterval 0 disables periodic desired state resync.
func (c *Config) ResyncInterval() time.Duration { return helpers.IntSecondDefault(c.ResyncIntervalSec, 0) }

// SampleInterval 0 disables sample telemetry producer.
func (c *Config) SampleInterval() time.Duration { return helpers.IntSecondDefault(c.SampleIntervalSec, 0) }

func (c *Config) ClientID() string { return c.DeviceID + "." + c.ModuleID }

// Parse decodes HCL, applies defaults and validates.
// Non empty config must set at least one of enable, device_id, module_id.
func Parse(b []byte) (*Config, error) {
	f, err := hcl.ParseBytes(b)
	if err != nil {
		return nil, errors.Annotate(err, "edge config parse")
	}
	// hcl parser drops trailing `key =` without value
	if lastToken(b) == token.ASSIGN {
		return nil, errors.NotValidf("edge config truncated, last value missing")
	}
	if root, ok := f.Node.(*ast.ObjectList); ok && len(root.Items) != 0 {
		n := 0
		for _, key := range []string{"enable", "device_id", "module_id"} {
			n += len(root.Filter(key).Items)
		}
		if n == 0 {
			return nil, errors.NotValidf("edge config without enable, device_id, module_id")
		}
	}
	c := &Config{}
	if err := hcl.DecodeObject(c, f); err != nil {
		return nil, errors.Annotate(err, "edge config decode")
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func ReadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "edge config read path=%s", path)
	}
	c, err := Parse(b)
	return c, errors.Annotatef(err, "path=%s", path)
}

func lastToken(b []byte) token.Type {
	s := scanner.New(b)
	s.Error = func(token.Pos, string) {}
	last := token.EOF
	for tok := s.Scan(); tok.Type != token.EOF; tok = s.Scan() {
		if tok.Type != token.COMMENT {
			last = tok.Type
		}
	}
	return last
}

func (c *Config) setDefaults() {
	if c.ResponseSuffix == "" {
		c.ResponseSuffix = DefaultResponseSuffix
	}
	if len(c.Throttles) == 0 {
		c.Throttles = []Throttle{{Name: DefaultThrottle}}
	}
	for i := range c.Throttles {
		t := &c.Throttles[i]
		if t.Capacity <= 0 {
			t.Capacity = DefaultCapacity
		}
		if t.MaxMessageSize <= 0 {
			t.MaxMessageSize = DefaultMaxMessageSize
		}
	}
}

// Validate reports all problems at once.
// Disabled config is valid regardless of other values.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	errs := make([]error, 0, 8)
	checkLevel := func(what, v string) {
		if v == "" || strings.ContainsAny(v, "/+#?") {
			errs = append(errs, errors.NotValidf("%s=%q", what, v))
		}
	}
	checkLevel("device_id", c.DeviceID)
	checkLevel("module_id", c.ModuleID)
	checkLevel("response_suffix", c.ResponseSuffix)
	if u, err := url.Parse(c.MqttBroker); err != nil || u.Scheme == "" {
		errs = append(errs, errors.NotValidf("mqtt_broker=%q", c.MqttBroker))
	}
	seen := make(map[string]struct{}, len(c.Throttles))
	for _, t := range c.Throttles {
		if _, ok := seen[t.TelemetryChannel()]; ok {
			errs = append(errs, errors.AlreadyExistsf("throttle channel=%q", t.TelemetryChannel()))
		}
		seen[t.TelemetryChannel()] = struct{}{}
	}
	for _, r := range c.Routes {
		checkLevel("route."+r.Name+".from_module", r.FromModule)
		if r.FromModule == c.ModuleID {
			errs = append(errs, errors.NotValidf("route.%s.from_module=%q is own module", r.Name, r.FromModule))
		}
		if r.ToInput != "" {
			checkLevel("route."+r.Name+".to_input", r.ToInput)
		}
	}
	return helpers.FoldErrors(errs)
}
