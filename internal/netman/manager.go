// Package netman drives wireless association using remembered
// credentials: blind sequential auto-connect, provisioning of new
// networks, scans and the background reconnect cadence.
package netman

import (
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/cloudbases/sensornode/log2"
)

type State int32

const (
	StateDisconnected State = iota
	StateAssociating
	StateConnected
	StateScanning
	StateProvisioning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAssociating:
		return "associating"
	case StateConnected:
		return "connected"
	case StateScanning:
		return "scanning"
	case StateProvisioning:
		return "provisioning"
	}
	return "unknown!"
}

// Radio is the boundary to the wireless stack. Implementations must
// make Connect begin association without blocking for the outcome,
// the Manager polls Connected against a deadline.
//
// Implementations must be safe for concurrent use: the scheduler
// loop drives Connect/Disconnect while get_status reads
// Connected/SSID/Addr from the transport callback context.
type Radio interface {
	Connect(ssid, pass string) error
	Disconnect() error
	// Forget drops the radio-level credential cache so a stale
	// association cannot outlive an explicit forget request.
	Forget() error
	Connected() bool
	SSID() string
	Addr() string
	Scan() ([]string, error)
}

// TimeSyncer is poked after a fresh association so wall-clock time
// can be (re)established. The actual time protocol is out of scope.
type TimeSyncer interface {
	Resync()
}

const (
	DefaultPollStep = 500 * time.Millisecond
	// association wait: 8 polls for remembered networks, 20 for
	// explicit provisioning, same as the original firmware
	autoConnectPolls = 8
	provisionPolls   = 20

	MaxScanResults = 15

	ReconnectInterval = 60 * time.Second
)

var ErrNoCredentials = errors.New("no saved networks")
var ErrAssociation = errors.New("association failed")

type Manager struct {
	log      *log2.Log
	radio    Radio
	creds    *CredStore
	timeSync TimeSyncer

	state         int32 // State, atomic
	pollStep      time.Duration
	lastReconnect atomic_clock.Clock
}

func NewManager(log *log2.Log, radio Radio, creds *CredStore, timeSync TimeSyncer, pollStep time.Duration) *Manager {
	if pollStep <= 0 {
		pollStep = DefaultPollStep
	}
	return &Manager{
		log:      log,
		radio:    radio,
		creds:    creds,
		timeSync: timeSync,
		pollStep: pollStep,
	}
}

func (m *Manager) State() State { return State(atomic.LoadInt32(&m.state)) }
func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

func (m *Manager) IsConnected() bool { return m.radio.Connected() }

// AutoConnect tries every remembered network in stored order with a
// blind association attempt, no scan correlation. Returns on first
// success. Bounded: at most 8 polls x pollStep per entry.
func (m *Manager) AutoConnect() error {
	saved := m.creds.List()
	if len(saved) == 0 {
		m.log.Debugf("net auto: no saved networks")
		return ErrNoCredentials
	}

	m.setState(StateAssociating)
	for _, cred := range saved {
		m.log.Infof("net auto: trying ssid=%s", cred.SSID)
		_ = m.radio.Disconnect()
		if err := m.radio.Connect(cred.SSID, cred.Pass); err != nil {
			m.log.Errorf("net auto: connect ssid=%s err=%v", cred.SSID, err)
			continue
		}
		if m.waitAssociated(autoConnectPolls) {
			m.log.Infof("net auto: connected ssid=%s", cred.SSID)
			m.setState(StateConnected)
			if m.timeSync != nil {
				m.timeSync.Resync()
			}
			return nil
		}
		m.log.Infof("net auto: failed ssid=%s, trying next", cred.SSID)
	}
	m.setState(StateDisconnected)
	m.log.Infof("net auto: could not connect to any saved network")
	return ErrAssociation
}

// Provision drops any current association and attempts the given
// network with a longer bound (20 polls). Credentials are persisted
// only on success, then time resync is signalled.
func (m *Manager) Provision(ssid, pass string) error {
	m.setState(StateProvisioning)
	_ = m.radio.Disconnect()
	if err := m.radio.Connect(ssid, pass); err != nil {
		m.setState(StateDisconnected)
		return errors.Annotatef(err, "provision ssid=%s", ssid)
	}
	if !m.waitAssociated(provisionPolls) {
		m.setState(StateDisconnected)
		return errors.Annotatef(ErrAssociation, "provision ssid=%s", ssid)
	}
	m.setState(StateConnected)
	if err := m.creds.Upsert(ssid, pass); err != nil {
		m.log.Errorf("provision remember ssid=%s err=%v", ssid, err)
	}
	if m.timeSync != nil {
		m.timeSync.Resync()
	}
	return nil
}

// Scan returns up to MaxScanResults non-empty SSIDs. Callers (the
// scheduler loop) serialize Scan against AutoConnect/Provision.
func (m *Manager) Scan() ([]string, error) {
	prev := m.State()
	m.setState(StateScanning)
	defer m.setState(prev)

	found, err := m.radio.Scan()
	if err != nil {
		return nil, errors.Annotate(err, "net scan")
	}
	out := make([]string, 0, MaxScanResults)
	for _, ssid := range found {
		if ssid == "" {
			continue
		}
		out = append(out, ssid)
		if len(out) >= MaxScanResults {
			break
		}
	}
	return out, nil
}

// Forget erases the credential list and any live radio association,
// both the current link and the radio's own credential cache.
func (m *Manager) Forget() error {
	err := m.creds.Clear()
	_ = m.radio.Disconnect()
	if ferr := m.radio.Forget(); ferr != nil {
		m.log.Errorf("net forget radio err=%v", ferr)
	}
	m.setState(StateDisconnected)
	return err
}

// MaybeReconnect re-runs AutoConnect at most every ReconnectInterval
// while disconnected. Suppressed during a live control session to
// keep the control channel responsive.
func (m *Manager) MaybeReconnect(sessionActive bool) {
	if m.radio.Connected() || sessionActive {
		return
	}
	if !m.lastReconnect.IsZero() && atomic_clock.Since(&m.lastReconnect) < ReconnectInterval {
		return
	}
	m.lastReconnect.SetNow()
	_ = m.AutoConnect()
}

// Status is the human-readable connectivity answer for get_status.
func (m *Manager) Status() string {
	if m.radio.Connected() {
		return "Connected! SSID: " + m.radio.SSID() + " | IP: " + m.radio.Addr()
	}
	return "Status: Not Connected"
}

// waitAssociated polls the radio until success or deadline. The wait
// is not cancellable, it runs to success or its fixed bound.
func (m *Manager) waitAssociated(polls int) bool {
	deadline := time.Now().Add(time.Duration(polls) * m.pollStep)
	for {
		if m.radio.Connected() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(m.pollStep)
	}
}
