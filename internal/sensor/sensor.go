// Package sensor reads one process value from the external sensor
// bus. No retry here: a failed read skips the current cycle, the
// caller tries again next time.
package sensor

// Register map of the supported controllers.
const (
	RegProcessValue uint16 = 0
	RegDecimalPoint uint16 = 1 // read together with value, currently unused
	RegSetPoint1    uint16 = 2
	RegSetPoint2    uint16 = 3
)

// SensorType tag reported in get_conf. 0 = DPT, 1 = RHT.
const SensorType = 0

// Bus is one attached sensor. ReadValue returns the physical value,
// raw register divided by 10.
type Bus interface {
	ReadValue() (float64, error)
	// WriteRegister pushes a setpoint to the controller.
	WriteRegister(reg uint16, value uint16) error
}
