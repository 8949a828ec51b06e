// Daemon bootstrap config: file paths, bus/radio/broker settings.
// Device settings changed over the control channel live in devconf,
// this file only covers what the process needs before devconf loads.
package config

import (
	"io/ioutil"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/helpers"
	"github.com/cloudbases/sensornode/log2"
)

type Config struct { //nolint:maligned
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Queue struct {
		// Removable storage mount point for undelivered readings.
		Dir string `hcl:"dir"`
	} `hcl:"queue"`

	Sensor struct {
		Enable    bool   `hcl:"enable"`
		Device    string `hcl:"device"`
		Baudrate  int    `hcl:"baudrate"`
		SlaveId   int    `hcl:"slave_id"`
		TimeoutMs int    `hcl:"timeout_ms"`
	} `hcl:"sensor"`

	Control struct {
		Enable       bool   `hcl:"enable"`
		LogDebug     bool   `hcl:"log_debug"`
		MqttBroker   string `hcl:"mqtt_broker"`
		MqttPassword string `hcl:"mqtt_password"` // secret
		KeepaliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"control"`

	Net struct {
		LogDebug bool `hcl:"log_debug"`
		// Association poll step, lower in tests only.
		PollStepMs int `hcl:"poll_step_ms"`
	} `hcl:"net"`

	LogDebug bool `hcl:"log_debug"`
}

func (c *Config) setDefaults() {
	if c.Persist.Root == "" {
		c.Persist.Root = "./sensornode-db"
	}
	if c.Queue.Dir == "" {
		c.Queue.Dir = "./sensornode-queue"
	}
	if c.Sensor.Baudrate == 0 {
		c.Sensor.Baudrate = 9600
	}
	if c.Sensor.SlaveId == 0 {
		c.Sensor.SlaveId = 1
	}
}

func validate(c *Config) error {
	errs := make([]error, 0, 4)
	if c.Sensor.Enable && c.Sensor.Device == "" {
		errs = append(errs, errors.Errorf("config: sensor.enable requires sensor.device"))
	}
	if c.Control.Enable && c.Control.MqttBroker == "" {
		errs = append(errs, errors.Errorf("config: control.enable requires control.mqtt_broker"))
	}
	return helpers.FoldErrors(errs)
}

func ReadFile(log *log2.Log, path string) (*Config, error) {
	log.Debugf("config reading path=%s", path)
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	return Parse(log, bs)
}

func Parse(log *log2.Log, bs []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(bs, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal content='%s'", string(bs))
	}
	c.setDefaults()
	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadFile(log *log2.Log, path string) *Config {
	c, err := ReadFile(log, path)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
