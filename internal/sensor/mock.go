package sensor

import "sync"

// MockBus for tests and development without hardware.
type MockBus struct {
	lk     sync.Mutex
	Value  float64
	Err    error
	Reads  int
	Writes map[uint16]uint16
}

func (b *MockBus) ReadValue() (float64, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.Reads++
	if b.Err != nil {
		return 0, b.Err
	}
	return b.Value, nil
}

func (b *MockBus) WriteRegister(reg uint16, value uint16) error {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.Writes == nil {
		b.Writes = make(map[uint16]uint16)
	}
	b.Writes[reg] = value
	return nil
}

func (b *MockBus) Set(v float64, err error) {
	b.lk.Lock()
	b.Value, b.Err = v, err
	b.lk.Unlock()
}
