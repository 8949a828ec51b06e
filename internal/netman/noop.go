package netman

// NoopRadio satisfies Radio where no wireless stack is present,
// always disconnected. Useful in development and the sensor-only
// deployment profile.
type NoopRadio struct{}

func (NoopRadio) Connect(ssid, pass string) error { return nil }
func (NoopRadio) Disconnect() error               { return nil }
func (NoopRadio) Forget() error                   { return nil }
func (NoopRadio) Connected() bool                 { return false }
func (NoopRadio) SSID() string                    { return "" }
func (NoopRadio) Addr() string                    { return "" }
func (NoopRadio) Scan() ([]string, error)         { return nil, nil }
