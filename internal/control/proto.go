package control

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cloudbases/sensornode/internal/devconf"
	"github.com/cloudbases/sensornode/log2"
)

// Request variants travel from the transport callback context to the
// scheduler loop over a FIFO channel, the only way the callback may
// cause network or storage work.
type Request interface{ isRequest() }

type ScanRequest struct{}

type ProvisionRequest struct {
	SSID string
	Pass string
}

// ConfigPatch applies validated-per-field settings changes.
type ConfigPatch struct {
	Patch devconf.Patch
}

type ForgetRequest struct{}

func (ScanRequest) isRequest()      {}
func (ProvisionRequest) isRequest() {}
func (ConfigPatch) isRequest()      {}
func (ForgetRequest) isRequest()    {}

const requestQueueCap = 16

// inMessage is every shape a client may write, all fields optional.
// Dispatch: action wins, else any config field makes it a patch,
// else ssid makes it provisioning.
type inMessage struct {
	Action *string `json:"action"`

	Name *string  `json:"name"`
	ID   *string  `json:"id"`
	URL  *string  `json:"url"`
	NTP  *string  `json:"ntp"`
	Int  *int     `json:"int"`
	Mode *int     `json:"mode"`
	SP1  *float64 `json:"sp1"`
	SP2  *float64 `json:"sp2"`

	SSID *string `json:"ssid"`
	Pass *string `json:"pass"`
}

func (m *inMessage) hasConfigField() bool {
	return m.Name != nil || m.ID != nil || m.URL != nil || m.NTP != nil ||
		m.Int != nil || m.Mode != nil || m.SP1 != nil || m.SP2 != nil
}

// confResponse is the get_conf answer: full current settings plus the
// static sensor type tag.
type confResponse struct {
	Name string  `json:"name"`
	Type int     `json:"type"`
	ID   string  `json:"id"`
	URL  string  `json:"url"`
	NTP  string  `json:"ntp"`
	Int  int     `json:"int"`
	Mode int     `json:"mode"`
	SP1  float64 `json:"sp1"`
	SP2  float64 `json:"sp2"`
}

// Handler parses inbound control messages and dispatches. It runs in
// the transport callback context: direct answers are limited to
// non-blocking reads (get_conf, get_status, ping), everything that
// touches network or storage is enqueued for the scheduler loop.
type Handler struct {
	log        *log2.Log
	session    *Session
	conf       *devconf.Store
	status     func() string
	sensorType int
	requests   chan Request

	// transport is written by the scheduler loop (attach, reinit on
	// name change) and read in the callback context, hence the lock.
	tlk       sync.Mutex
	transport Transporter
}

func NewHandler(log *log2.Log, session *Session, conf *devconf.Store, status func() string, sensorType int) *Handler {
	return &Handler{
		log:        log,
		session:    session,
		conf:       conf,
		status:     status,
		sensorType: sensorType,
		requests:   make(chan Request, requestQueueCap),
	}
}

// Requests is consumed by the scheduler loop, FIFO.
func (h *Handler) Requests() <-chan Request { return h.requests }

func (h *Handler) AttachTransport(t Transporter) {
	h.tlk.Lock()
	h.transport = t
	h.tlk.Unlock()
}

// Notify pushes a string payload to the connected client.
func (h *Handler) Notify(s string) {
	h.tlk.Lock()
	t := h.transport
	h.tlk.Unlock()
	if t != nil && h.session.Connected() {
		t.Notify([]byte(s))
	}
}

// OnSession implements the transport session callback.
func (h *Handler) OnSession(connected bool) {
	h.session.SetConnected(connected)
	if connected {
		h.log.Infof("control: client connected")
	} else {
		h.log.Infof("control: client disconnected")
	}
}

// OnMessage implements the transport message callback.
func (h *Handler) OnMessage(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if len(payload) > MaxMessageSize {
		h.log.Errorf("control: oversize message len=%d ignored", len(payload))
		return
	}
	h.session.Touch()

	var msg inMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Debugf("control: parse err=%v payload=%s", err, string(payload))
		return
	}

	switch {
	case msg.Action != nil:
		h.handleAction(*msg.Action)
	case msg.hasConfigField():
		h.enqueue(ConfigPatch{Patch: devconf.Patch{
			Name: msg.Name,
			ID:   msg.ID,
			URL:  msg.URL,
			NTP:  msg.NTP,
			Int:  msg.Int,
			Mode: msg.Mode,
			SP1:  msg.SP1,
			SP2:  msg.SP2,
		}})
	case msg.SSID != nil:
		ssid := strings.TrimSpace(*msg.SSID)
		pass := ""
		if msg.Pass != nil {
			pass = strings.TrimSpace(*msg.Pass)
		}
		if ssid != "" {
			h.enqueue(ProvisionRequest{SSID: ssid, Pass: pass})
		}
	default:
		h.log.Debugf("control: unrecognized message payload=%s", string(payload))
	}
}

func (h *Handler) handleAction(action string) {
	switch action {
	case "scan":
		h.enqueue(ScanRequest{})
	case "get_conf":
		h.Notify(string(h.confJSON()))
	case "get_status":
		h.Notify(h.status())
	case "forget_wifi":
		h.log.Infof("control: forget wifi requested")
		h.enqueue(ForgetRequest{})
	case "ping":
		// activity already recorded by Touch
	default:
		h.log.Debugf("control: unknown action=%s", action)
	}
}

func (h *Handler) confJSON() []byte {
	c := h.conf.Get()
	b, err := json.Marshal(confResponse{
		Name: c.Nickname,
		Type: h.sensorType,
		ID:   c.DeviceID,
		URL:  c.APIURL,
		NTP:  c.NTPServer,
		Int:  c.UpdateInterval,
		Mode: int(c.Mode),
		SP1:  c.SetPoint1,
		SP2:  c.SetPoint2,
	})
	if err != nil {
		// marshal of plain fields cannot fail
		h.log.Errorf("control: conf marshal err=%v", err)
		return []byte("{}")
	}
	return b
}

// enqueue never blocks the callback context. A full queue means the
// scheduler loop is behind, drop and log.
func (h *Handler) enqueue(r Request) {
	select {
	case h.requests <- r:
	default:
		h.log.Errorf("control: request queue full, dropped %T", r)
	}
}
