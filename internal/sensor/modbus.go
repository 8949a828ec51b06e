package sensor

import (
	"encoding/binary"
	"time"

	"github.com/goburrow/modbus"
	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/helpers"
	"github.com/cloudbases/sensornode/log2"
)

type ModbusConfig struct {
	Device  string
	Baud    int
	SlaveId int
	Timeout time.Duration
}

// ModbusBus reads the sensor over Modbus RTU.
type ModbusBus struct {
	log     *log2.Log
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

func NewModbus(log *log2.Log, c ModbusConfig) (*ModbusBus, error) {
	if c.Device == "" {
		return nil, errors.Errorf("sensor: modbus device=empty")
	}
	h := modbus.NewRTUClientHandler(c.Device)
	h.BaudRate = c.Baud
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = byte(c.SlaveId)
	h.Timeout = helpers.IntMillisecondDefault(int(c.Timeout/time.Millisecond), 200*time.Millisecond)
	if err := h.Connect(); err != nil {
		return nil, errors.Annotatef(err, "sensor: modbus open device=%s", c.Device)
	}
	b := &ModbusBus{
		log:     log,
		handler: h,
		client:  modbus.NewClient(h),
	}
	log.Debugf("sensor: modbus ready device=%s baud=%d slave=%d", c.Device, c.Baud, c.SlaveId)
	return b, nil
}

func (b *ModbusBus) Close() error {
	return b.handler.Close()
}

// ReadValue reads the process value and the adjacent decimal-point
// register in one transaction, as the controller expects.
func (b *ModbusBus) ReadValue() (float64, error) {
	bs, err := b.client.ReadHoldingRegisters(RegProcessValue, 2)
	if err != nil {
		return 0, errors.Annotate(err, "sensor read")
	}
	if len(bs) < 2 {
		return 0, errors.Errorf("sensor read: short response len=%d", len(bs))
	}
	raw := binary.BigEndian.Uint16(bs[0:2])
	value := float64(raw) / 10
	b.log.Debugf("sensor raw=%d value=%.1f", raw, value)
	return value, nil
}

func (b *ModbusBus) WriteRegister(reg uint16, value uint16) error {
	_, err := b.client.WriteSingleRegister(reg, value)
	return errors.Annotatef(err, "sensor write reg=%d", reg)
}
