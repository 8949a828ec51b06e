package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/atomic_clock"

	"github.com/cloudbases/sensornode/helpers"
	"github.com/cloudbases/sensornode/internal/config"
	"github.com/cloudbases/sensornode/internal/control"
	"github.com/cloudbases/sensornode/internal/devconf"
	"github.com/cloudbases/sensornode/internal/netman"
	"github.com/cloudbases/sensornode/internal/sensor"
	"github.com/cloudbases/sensornode/log2"
)

type tenv struct {
	t     *testing.T
	ctx   context.Context
	app   *App
	radio *netman.MockRadio
	bus   *sensor.MockBus
	trans *control.MockTransport

	lk       sync.Mutex
	urls     []string
	httpFail bool
}

func newTenv(t *testing.T) *tenv {
	env := &tenv{
		t:     t,
		ctx:   context.Background(),
		radio: &netman.MockRadio{Accept: map[string]string{}},
		bus:   &sensor.MockBus{Value: 42.5},
	}
	rt := &helpers.MockHTTP{Fun: func(req *http.Request) (*http.Response, error) {
		env.lk.Lock()
		fail := env.httpFail
		env.urls = append(env.urls, req.URL.String())
		env.lk.Unlock()
		if fail {
			return nil, io.ErrUnexpectedEOF
		}
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("true")),
		}, nil
	}}

	cfg := &config.Config{}
	cfg.Persist.Root = t.TempDir()
	cfg.Queue.Dir = t.TempDir()
	cfg.Control.Enable = true
	cfg.Net.PollStepMs = 1

	a, err := New(Options{
		Config:    cfg,
		Log:       log2.NewTest(t, log2.LDebug),
		Radio:     env.radio,
		Bus:       env.bus,
		HTTPRound: rt,
		NewTransport: func() control.Transporter {
			env.trans = &control.MockTransport{}
			return env.trans
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.Init(env.ctx))
	env.app = a
	return env
}

func (env *tenv) seenURLs() []string {
	env.lk.Lock()
	defer env.lk.Unlock()
	return append([]string(nil), env.urls...)
}

func (env *tenv) setHTTPFail(v bool) {
	env.lk.Lock()
	env.httpFail = v
	env.lk.Unlock()
}

func (env *tenv) connectRadio(ssid, pass string) {
	env.radio.Accept[ssid] = pass
	require.NoError(env.t, env.radio.Connect(ssid, pass))
	require.True(env.t, env.radio.Connected())
}

func TestTelemetryDelivered(t *testing.T) {
	t.Parallel()
	env := newTenv(t)

	env.app.sched.Force()
	env.app.Tick(env.ctx)

	urls := env.seenURLs()
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0], "device_code=ESP_001")
	assert.Contains(t, urls[0], "field1=42.50")
	assert.Contains(t, urls[0], "%20") // timestamp space encoding
	entries, err := env.app.queue.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTelemetryQueuedOffline(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	env.setHTTPFail(true)

	env.app.sched.Force()
	env.app.Tick(env.ctx)

	entries, err := env.app.queue.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	line, err := env.app.queue.ReadEntry(entries[0])
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(line, ",42.50"), "line=%q", line)
}

func TestSensorFailureSkipsCycle(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	env.bus.Set(0, sensor.ErrDisabled)

	env.app.sched.Force()
	env.app.Tick(env.ctx)

	assert.Empty(t, env.seenURLs())
	entries, err := env.app.queue.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainWhenConnected(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	require.NoError(t, env.app.queue.Append("2024-01-02 03:04:05", "12.30"))
	require.NoError(t, env.app.queue.Append("2024-01-02 03:05:05", "12.40"))
	env.connectRadio("Home", "secret")
	env.app.lastDrain.Set(atomic_clock.Source() - int64(16*time.Minute))

	env.app.Tick(env.ctx)

	entries, err := env.app.queue.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	urls := env.seenURLs()
	require.Len(t, urls, 2)
	assert.Contains(t, urls[0], "field1=12.30")
	assert.Contains(t, urls[1], "field1=12.40")
}

func TestNoDrainOffline(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	require.NoError(t, env.app.queue.Append("2024-01-02 03:04:05", "12.30"))
	env.app.lastDrain.Set(atomic_clock.Source() - int64(16*time.Minute))

	env.app.Tick(env.ctx)

	entries, err := env.app.queue.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Empty(t, env.seenURLs())
}

func TestProvisionRequest(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	env.radio.Accept["Home"] = "secret"

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"ssid":"Home","pass":"secret"}`))
	env.app.Tick(env.ctx)

	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 2)
	assert.Equal(t, "Connecting...", notified[0])
	assert.Equal(t, "Connected! SSID: Home | IP: 192.168.1.42", notified[1])
	assert.Equal(t, 1, env.app.creds.Len())

	// successful provisioning forces an immediate reading
	env.app.Tick(env.ctx)
	assert.Len(t, env.seenURLs(), 1)
}

func TestProvisionFailure(t *testing.T) {
	t.Parallel()
	env := newTenv(t)

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"ssid":"Home","pass":"wrong"}`))
	env.app.Tick(env.ctx)

	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 2)
	assert.Equal(t, "Connecting...", notified[0])
	assert.Equal(t, "Connection Failed.", notified[1])
	assert.Equal(t, 0, env.app.creds.Len())
}

func TestScanRequest(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	env.radio.ScanResults = []string{"Alpha", "Beta"}

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"action":"scan"}`))
	env.app.Tick(env.ctx)

	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 2)
	assert.Equal(t, "Scanning...", notified[0])
	assert.Equal(t, `["Alpha","Beta"]`, notified[1])
}

func TestConfigPatchApplied(t *testing.T) {
	t.Parallel()
	env := newTenv(t)

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"int":300,"sp1":77}`))
	env.app.Tick(env.ctx)

	c := env.app.conf.Get()
	assert.Equal(t, 300, c.UpdateInterval)
	assert.Equal(t, float64(77), c.SetPoint1)
	assert.Equal(t, uint16(77), env.bus.Writes[sensor.RegSetPoint1])
	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 1)
	assert.Equal(t, "Settings Saved.", notified[0])

	// settings change forces an immediate reading
	env.app.Tick(env.ctx)
	assert.Len(t, env.seenURLs(), 1)
}

func TestConfigPatchPartialInvalid(t *testing.T) {
	t.Parallel()
	env := newTenv(t)

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"int":999999,"sp2":-15.5}`))
	env.app.Tick(env.ctx)

	c := env.app.conf.Get()
	assert.Equal(t, 60, c.UpdateInterval)
	assert.Equal(t, -15.5, c.SetPoint2)
	assert.Equal(t, uint16(65521), env.bus.Writes[sensor.RegSetPoint2]) // int16 wrap of -15
	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 2)
	assert.Equal(t, "Error: Invalid interval (1-86400)", notified[0])
	assert.Equal(t, "Settings Saved.", notified[1])
}

func TestNicknameChangeReinitsControl(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	first := env.trans

	first.ClientSession(true)
	first.ClientWrite([]byte(`{"name":"Greenhouse"}`))
	env.app.Tick(env.ctx)

	notified := first.NotifiedStrings()
	require.Len(t, notified, 1)
	assert.Equal(t, "Name Saved. Restarting...", notified[0])
	assert.True(t, first.Closed)
	require.NotSame(t, first, env.trans)
	assert.Equal(t, "Greenhouse", env.trans.Name)
	assert.False(t, env.app.session.Connected())
}

func TestForgetWifi(t *testing.T) {
	t.Parallel()
	env := newTenv(t)
	require.NoError(t, env.app.creds.Upsert("Home", "secret"))

	env.trans.ClientSession(true)
	env.trans.ClientWrite([]byte(`{"action":"forget_wifi"}`))
	env.app.Tick(env.ctx)

	assert.Equal(t, 0, env.app.creds.Len())
	assert.Equal(t, 1, env.radio.Forgotten)
	notified := env.trans.NotifiedStrings()
	require.Len(t, notified, 1)
	assert.Equal(t, "Wi-Fi credentials erased.", notified[0])
}

func TestBroadcastName(t *testing.T) {
	t.Parallel()
	env := newTenv(t)

	assert.True(t, strings.HasPrefix(env.app.BroadcastName(), "ESP_Setup_"),
		"name=%q", env.app.BroadcastName())

	nick := "Greenhouse"
	res := env.app.conf.Apply(devconf.Patch{Name: &nick})
	require.True(t, res.NameChanged)
	assert.Equal(t, "Greenhouse", env.app.BroadcastName())
}
