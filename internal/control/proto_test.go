package control

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbases/sensornode/internal/devconf"
	"github.com/cloudbases/sensornode/log2"
)

type henv struct {
	handler   *Handler
	transport *MockTransport
	session   *Session
	conf      *devconf.Store
}

func newHandlerEnv(t testing.TB) *henv {
	log := log2.NewTest(t, log2.LError)
	conf, err := devconf.NewStore(log, t.TempDir())
	require.NoError(t, err)
	session := &Session{}
	h := NewHandler(log, session, conf, func() string { return "Status: Not Connected" }, 0)
	tr := &MockTransport{}
	require.NoError(t, tr.Init(context.Background(), log, Options{Name: "test"}, h.OnSession, h.OnMessage))
	h.AttachTransport(tr)
	tr.ClientSession(true)
	return &henv{handler: h, transport: tr, session: session, conf: conf}
}

func (e *henv) drainOne(t testing.TB) Request {
	select {
	case r := <-e.handler.Requests():
		return r
	default:
		t.Fatal("expected a queued request")
		return nil
	}
}

func (e *henv) requireEmpty(t testing.TB) {
	select {
	case r := <-e.handler.Requests():
		t.Fatalf("unexpected request %T", r)
	default:
	}
}

func TestActionScan(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"action":"scan"}`))
	assert.Equal(t, ScanRequest{}, e.drainOne(t))
}

func TestActionGetConf(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"action":"get_conf"}`))
	e.requireEmpty(t)
	pushes := e.transport.NotifiedStrings()
	require.Len(t, pushes, 1)
	assert.Contains(t, pushes[0], `"id":"ESP_001"`)
	assert.Contains(t, pushes[0], `"type":0`)
	assert.Contains(t, pushes[0], `"int":60`)
}

func TestActionGetStatus(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"action":"get_status"}`))
	pushes := e.transport.NotifiedStrings()
	require.Len(t, pushes, 1)
	assert.Equal(t, "Status: Not Connected", pushes[0])
}

func TestActionForget(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"action":"forget_wifi"}`))
	assert.Equal(t, ForgetRequest{}, e.drainOne(t))
}

func TestActionWinsOverOtherFields(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	// action present: other fields in the same message are ignored
	e.transport.ClientWrite([]byte(`{"action":"ping","int":999999,"ssid":"x"}`))
	e.requireEmpty(t)
	assert.Empty(t, e.transport.NotifiedStrings())
}

func TestConfigPatchEnqueued(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"int":300,"sp1":21.5}`))
	r := e.drainOne(t)
	patch, ok := r.(ConfigPatch)
	require.True(t, ok)
	require.NotNil(t, patch.Patch.Int)
	assert.Equal(t, 300, *patch.Patch.Int)
	require.NotNil(t, patch.Patch.SP1)
	assert.Equal(t, 21.5, *patch.Patch.SP1)
	assert.Nil(t, patch.Patch.Name)
}

func TestProvisionTrimmed(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"ssid":" cafe \n","pass":" espresso "}`))
	r := e.drainOne(t)
	assert.Equal(t, ProvisionRequest{SSID: "cafe", Pass: "espresso"}, r)
}

func TestProvisionEmptySSIDIgnored(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{"ssid":"   "}`))
	e.requireEmpty(t)
}

func TestMalformedIgnored(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	e.transport.ClientWrite([]byte(`{not json`))
	e.transport.ClientWrite([]byte(`{"unrelated":1}`))
	e.transport.ClientWrite(nil)
	e.requireEmpty(t)
	assert.Empty(t, e.transport.NotifiedStrings())
}

func TestOversizeIgnored(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	big := `{"ssid":"` + strings.Repeat("a", MaxMessageSize) + `"}`
	e.transport.ClientWrite([]byte(big))
	e.requireEmpty(t)
}

func TestNotifyDuringTransportSwap(t *testing.T) {
	t.Parallel()

	// the scheduler loop reattaches the transport (nickname reinit)
	// while inbound messages keep arriving in the callback context
	e := newHandlerEnv(t)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e.handler.AttachTransport(&MockTransport{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e.handler.OnMessage([]byte(`{"action":"get_status"}`))
		}
	}()
	wg.Wait()
}

func TestMessageTouchesSession(t *testing.T) {
	t.Parallel()

	e := newHandlerEnv(t)
	require.True(t, e.session.Connected())
	e.transport.ClientWrite([]byte(`{"action":"ping"}`))
	assert.False(t, e.session.Expired(SessionTimeout))
}
