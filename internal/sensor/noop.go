package sensor

import "github.com/juju/errors"

var ErrDisabled = errors.New("sensor disabled")

// Disabled satisfies Bus when no sensor hardware is configured.
// Every read fails, so telemetry cycles are skipped.
type Disabled struct{}

func (Disabled) ReadValue() (float64, error)       { return 0, ErrDisabled }
func (Disabled) WriteRegister(reg, v uint16) error { return ErrDisabled }
