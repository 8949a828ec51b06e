// Package devconf owns the device settings record: load/validate/save
// plus field-by-field merges arriving over the control channel.
package devconf

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/internal/persist"
	"github.com/cloudbases/sensornode/log2"
)

const persistTag = "app_conf"

const (
	MinUpdateInterval = 1
	MaxUpdateInterval = 86400
	MinSetpoint       = -9999.0
	MaxSetpoint       = 9999.0

	DefaultUpdateInterval = 60
)

type Mode int

const (
	ModeInterval     Mode = 0
	ModeClockAligned Mode = 1
)

// DeviceConfig is the whole persisted settings record.
// Always read and written as a unit, no partial persistence.
type DeviceConfig struct {
	Nickname       string  // empty = use hardware-derived default name
	DeviceID       string
	APIURL         string
	NTPServer      string
	UpdateInterval int // seconds
	Mode           Mode
	SetPoint1      float64
	SetPoint2      float64
}

func Default() DeviceConfig {
	return DeviceConfig{
		DeviceID:       "ESP_001",
		APIURL:         "https://cloudbases.in/iot_demo24/Api",
		NTPServer:      "1.in.pool.ntp.org",
		UpdateInterval: DefaultUpdateInterval,
		Mode:           ModeInterval,
	}
}

func ValidInterval(v int) bool     { return v >= MinUpdateInterval && v <= MaxUpdateInterval }
func ValidSetpoint(v float64) bool { return v >= MinSetpoint && v <= MaxSetpoint }
func ValidMode(v int) bool         { return v == int(ModeInterval) || v == int(ModeClockAligned) }

// record is the serialized shape, field keys shared with the control
// channel protocol.
type record struct {
	Name *string  `json:"name,omitempty"`
	ID   *string  `json:"id,omitempty"`
	URL  *string  `json:"url,omitempty"`
	NTP  *string  `json:"ntp,omitempty"`
	Int  *int     `json:"int,omitempty"`
	Mode *int     `json:"mode,omitempty"`
	SP1  *float64 `json:"sp1,omitempty"`
	SP2  *float64 `json:"sp2,omitempty"`
}

// Patch is a partial update, nil field = not present.
type Patch struct {
	Name *string
	ID   *string
	URL  *string
	NTP  *string
	Int  *int
	Mode *int
	SP1  *float64
	SP2  *float64
}

// ApplyResult reports what a Patch did. Each field succeeds or fails
// on its own, FieldErrors carries one message per rejected field.
type ApplyResult struct {
	Changed     bool
	NameChanged bool
	SP1Changed  bool
	SP2Changed  bool
	FieldErrors []string
}

type Store struct {
	lk      sync.Mutex
	log     *log2.Log
	persist persist.Persist
	current DeviceConfig
}

func NewStore(log *log2.Log, root string) (*Store, error) {
	s := &Store{
		log:     log,
		current: Default(),
	}
	if err := s.persist.Init(persistTag, s, root, log); err != nil {
		return nil, errors.Annotate(err, "devconf")
	}
	return s, nil
}

// Load reads the persisted record. Deserialization failure keeps
// built-in defaults. Invalid fields fall back per field.
func (s *Store) Load() error {
	err := s.persist.Load()
	if err != nil {
		// settings record is recoverable, log and carry on with defaults
		s.log.Errorf("devconf load err=%v", err)
		return nil
	}
	return nil
}

func (s *Store) Save() error {
	return errors.Annotate(s.persist.Store(), "devconf")
}

// Get returns a copy, safe to use without holding any lock.
func (s *Store) Get() DeviceConfig {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.current
}

// Apply merges p into the current record, validating each present field
// independently. Does not persist, caller decides (see ApplyAndSave).
func (s *Store) Apply(p Patch) ApplyResult {
	s.lk.Lock()
	defer s.lk.Unlock()
	r := ApplyResult{}

	if p.Name != nil {
		if s.current.Nickname != *p.Name {
			r.NameChanged = true
		}
		s.current.Nickname = *p.Name
		r.Changed = true
	}
	if p.ID != nil {
		s.current.DeviceID = *p.ID
		r.Changed = true
	}
	if p.URL != nil {
		s.current.APIURL = *p.URL
		r.Changed = true
	}
	if p.NTP != nil {
		s.current.NTPServer = *p.NTP
		r.Changed = true
	}
	if p.Int != nil {
		if ValidInterval(*p.Int) {
			s.current.UpdateInterval = *p.Int
			r.Changed = true
		} else {
			r.FieldErrors = append(r.FieldErrors, "Error: Invalid interval (1-86400)")
		}
	}
	if p.Mode != nil {
		if ValidMode(*p.Mode) {
			s.current.Mode = Mode(*p.Mode)
			r.Changed = true
		} else {
			r.FieldErrors = append(r.FieldErrors, "Error: Invalid mode")
		}
	}
	if p.SP1 != nil {
		if ValidSetpoint(*p.SP1) {
			s.current.SetPoint1 = *p.SP1
			r.Changed = true
			r.SP1Changed = true
		} else {
			r.FieldErrors = append(r.FieldErrors, "Error: Invalid setpoint 1")
		}
	}
	if p.SP2 != nil {
		if ValidSetpoint(*p.SP2) {
			s.current.SetPoint2 = *p.SP2
			r.Changed = true
			r.SP2Changed = true
		} else {
			r.FieldErrors = append(r.FieldErrors, "Error: Invalid setpoint 2")
		}
	}
	return r
}

// ApplyAndSave is Apply plus persist when anything changed.
func (s *Store) ApplyAndSave(p Patch) (ApplyResult, error) {
	r := s.Apply(p)
	if !r.Changed {
		return r, nil
	}
	return r, s.Save()
}

// MarshalBinary implements persist.Stater.
func (s *Store) MarshalBinary() ([]byte, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c := s.current
	m := int(c.Mode)
	rec := record{
		Name: &c.Nickname,
		ID:   &c.DeviceID,
		URL:  &c.APIURL,
		NTP:  &c.NTPServer,
		Int:  &c.UpdateInterval,
		Mode: &m,
		SP1:  &c.SetPoint1,
		SP2:  &c.SetPoint2,
	}
	return json.Marshal(rec)
}

// UnmarshalBinary implements persist.Stater. Fields present in the
// record are validated before applying, invalid values fall back:
// interval to 60, mode to Interval, setpoints to 0.
func (s *Store) UnmarshalBinary(b []byte) error {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return errors.Annotate(err, "devconf record")
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if rec.Name != nil {
		s.current.Nickname = *rec.Name
	}
	if rec.ID != nil {
		s.current.DeviceID = *rec.ID
	}
	if rec.URL != nil {
		s.current.APIURL = *rec.URL
	}
	if rec.NTP != nil {
		s.current.NTPServer = *rec.NTP
	}
	if rec.Int != nil {
		if ValidInterval(*rec.Int) {
			s.current.UpdateInterval = *rec.Int
		} else {
			s.current.UpdateInterval = DefaultUpdateInterval
		}
	}
	if rec.Mode != nil {
		if ValidMode(*rec.Mode) {
			s.current.Mode = Mode(*rec.Mode)
		} else {
			s.current.Mode = ModeInterval
		}
	}
	if rec.SP1 != nil {
		if ValidSetpoint(*rec.SP1) {
			s.current.SetPoint1 = *rec.SP1
		} else {
			s.current.SetPoint1 = 0
		}
	}
	if rec.SP2 != nil {
		if ValidSetpoint(*rec.SP2) {
			s.current.SetPoint2 = *rec.SP2
		} else {
			s.current.SetPoint2 = 0
		}
	}
	return nil
}
