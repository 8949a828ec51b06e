package netman

import (
	"sync"
)

// MockRadio for tests. Association outcome is scripted per ssid via
// Accept. ConnectDelay polls must elapse before Connected turns true.
type MockRadio struct {
	lk sync.Mutex

	Accept       map[string]string // ssid -> required password
	ScanResults  []string
	ScanErr      error
	ConnectDelay int // Connected() calls before association completes

	connected  bool
	ssid       string
	addr       string
	pending    int
	pendingOk  bool
	ConnectLog []string
	Forgotten  int
}

func (r *MockRadio) Connect(ssid, pass string) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.ConnectLog = append(r.ConnectLog, ssid)
	want, ok := r.Accept[ssid]
	r.pendingOk = ok && want == pass
	r.pending = r.ConnectDelay
	if r.pendingOk {
		r.ssid = ssid
		r.addr = "192.168.1.42"
	}
	return nil
}

func (r *MockRadio) Disconnect() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.connected = false
	r.pendingOk = false
	return nil
}

func (r *MockRadio) Forget() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.Forgotten++
	return nil
}

func (r *MockRadio) Connected() bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.pendingOk {
		if r.pending > 0 {
			r.pending--
			return false
		}
		r.connected = true
		r.pendingOk = false
	}
	return r.connected
}

func (r *MockRadio) SSID() string {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.ssid
}

func (r *MockRadio) Addr() string {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.addr
}

func (r *MockRadio) Scan() ([]string, error) {
	return r.ScanResults, r.ScanErr
}
