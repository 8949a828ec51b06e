package control

import (
	"context"
	"sync"

	"github.com/cloudbases/sensornode/log2"
)

// MockTransport for tests: drive inbound traffic with ClientWrite /
// ClientSession, observe pushes in Notified.
type MockTransport struct {
	lk        sync.Mutex
	log       *log2.Log
	onSession SessionFunc
	onMessage MessageFunc

	Name     string
	Notified [][]byte
	Kicked   int
	Closed   bool
}

func (t *MockTransport) Init(ctx context.Context, log *log2.Log, opts Options, onSession SessionFunc, onMessage MessageFunc) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.log = log
	t.Name = opts.Name
	t.onSession = onSession
	t.onMessage = onMessage
	return nil
}

func (t *MockTransport) Notify(payload []byte) bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.Notified = append(t.Notified, cp)
	return true
}

func (t *MockTransport) Kick() {
	t.lk.Lock()
	t.Kicked++
	onSession := t.onSession
	t.lk.Unlock()
	onSession(false)
}

func (t *MockTransport) Close() {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.Closed = true
}

func (t *MockTransport) ClientSession(connected bool) { t.onSession(connected) }
func (t *MockTransport) ClientWrite(payload []byte)   { t.onMessage(payload) }

// NotifiedStrings returns pushes seen so far.
func (t *MockTransport) NotifiedStrings() []string {
	t.lk.Lock()
	defer t.lk.Unlock()
	out := make([]string, len(t.Notified))
	for i, b := range t.Notified {
		out[i] = string(b)
	}
	return out
}
