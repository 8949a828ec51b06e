// Package app is the single cooperative scheduling loop. Each tick,
// in fixed priority order: control-channel watchdog, offline queue
// drain, telemetry fire decision, pending control requests, then
// background reconnect. Everything shared with the transport callback
// context goes through the request channel or atomic state.
package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/cloudbases/sensornode/internal/config"
	"github.com/cloudbases/sensornode/internal/control"
	"github.com/cloudbases/sensornode/internal/devconf"
	"github.com/cloudbases/sensornode/internal/netman"
	"github.com/cloudbases/sensornode/internal/sensor"
	"github.com/cloudbases/sensornode/internal/telemetry"
	"github.com/cloudbases/sensornode/log2"
)

const defaultTickInterval = 10 * time.Millisecond

type Options struct {
	Config *config.Config
	Log    *log2.Log

	// Collaborators, nil picks the production default.
	Radio        netman.Radio
	Bus          sensor.Bus
	NewTransport func() control.Transporter
	HTTPRound    http.RoundTripper
	TickInterval time.Duration
}

type App struct {
	Alive *alive.Alive

	log *log2.Log
	cfg *config.Config

	conf    *devconf.Store
	creds   *netman.CredStore
	net     *netman.Manager
	bus     sensor.Bus
	queue   *telemetry.Queue
	deliver *telemetry.Deliverer
	drainer *telemetry.Drainer
	sched   *telemetry.Scheduler

	session      *control.Session
	handler      *control.Handler
	transport    control.Transporter
	newTransport func() control.Transporter

	timeSynced   uint32 // atomic
	lastDrain    atomic_clock.Clock
	tickInterval time.Duration
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.Errorf("app: Options.Config=nil")
	}
	a := &App{
		Alive:        alive.NewAlive(),
		log:          opts.Log,
		cfg:          opts.Config,
		bus:          opts.Bus,
		newTransport: opts.NewTransport,
		tickInterval: opts.TickInterval,
	}
	if a.tickInterval <= 0 {
		a.tickInterval = defaultTickInterval
	}
	if a.bus == nil {
		a.bus = sensor.Disabled{}
	}
	if a.newTransport == nil {
		a.newTransport = control.NewTransportMqtt
	}

	var err error
	if a.conf, err = devconf.NewStore(a.log, a.cfg.Persist.Root); err != nil {
		return nil, errors.Annotate(err, "app")
	}
	if a.creds, err = netman.NewCredStore(a.log, a.cfg.Persist.Root); err != nil {
		return nil, errors.Annotate(err, "app")
	}

	radio := opts.Radio
	if radio == nil {
		radio = netman.NoopRadio{}
	}
	netLog := a.log.Clone(log2.LInfo)
	if a.cfg.Net.LogDebug {
		netLog.SetLevel(log2.LDebug)
	}
	pollStep := time.Duration(a.cfg.Net.PollStepMs) * time.Millisecond
	a.net = netman.NewManager(netLog, radio, a.creds, a, pollStep)

	a.queue = telemetry.NewQueue(a.log, a.cfg.Queue.Dir)
	a.deliver = telemetry.NewDeliverer(a.log, a.queue, opts.HTTPRound)
	a.drainer = telemetry.NewDrainer(a.log, a.queue, a.sendQueued)
	a.sched = telemetry.NewScheduler()
	a.sched.TimeValid = a.timeIsValid

	a.session = &control.Session{}
	a.handler = control.NewHandler(a.log, a.session, a.conf, a.net.Status, sensor.SensorType)
	return a, nil
}

// Init loads persisted state, brings the control channel up and
// attempts the boot-time association.
func (a *App) Init(ctx context.Context) error {
	if err := a.conf.Load(); err != nil {
		return errors.Annotate(err, "app init")
	}
	if err := a.creds.Load(); err != nil {
		return errors.Annotate(err, "app init")
	}
	if !a.queue.Ready() {
		a.log.Errorf("app: offline queue storage not ready dir=%s", a.cfg.Queue.Dir)
	}

	if a.cfg.Control.Enable {
		if err := a.startControl(ctx); err != nil {
			return errors.Annotate(err, "app init")
		}
	}

	// first drain pass one interval after boot
	a.lastDrain.SetNow()

	if err := a.net.AutoConnect(); err != nil {
		a.log.Infof("app: boot association err=%v", err)
	}
	return nil
}

func (a *App) Run(ctx context.Context) {
	a.log.Infof("app: running tick=%v", a.tickInterval)
	tick := time.NewTicker(a.tickInterval)
	defer tick.Stop()
	stopCh := a.Alive.StopChan()
	for {
		select {
		case <-stopCh:
			a.shutdown()
			return
		case <-tick.C:
			a.Tick(ctx)
		}
	}
}

func (a *App) Stop() { a.Alive.Stop() }

// Tick runs one scheduler pass. Split out of Run for tests.
func (a *App) Tick(ctx context.Context) {
	// 1. control-channel liveness
	if a.session.Expired(control.SessionTimeout) {
		a.log.Infof("watchdog: client silent, force disconnect")
		if a.transport != nil {
			a.transport.Kick()
		}
	}

	// 2. offline queue drain
	if a.net.IsConnected() && atomic_clock.Since(&a.lastDrain) > telemetry.DrainInterval {
		a.lastDrain.SetNow()
		a.session.Pause()
		n := a.drainer.Drain()
		a.session.Resume()
		a.session.Touch()
		if n > 0 {
			a.log.Infof("app: drained %d queued readings", n)
		}
	}

	// 3. telemetry
	c := a.conf.Get()
	if a.sched.ShouldFire(c.Mode, c.UpdateInterval) {
		a.fireTelemetry(c)
	}

	// 4. pending control requests, FIFO; connectivity operations
	// stay serialized because they all execute here
requests:
	for {
		select {
		case r := <-a.handler.Requests():
			a.handleRequest(ctx, r)
		default:
			break requests
		}
	}

	// 5. background reconnect
	a.net.MaybeReconnect(a.session.Connected())
}

func (a *App) fireTelemetry(c devconf.DeviceConfig) {
	value, err := a.bus.ReadValue()
	if err != nil {
		// no data this cycle, retry policy is simply the next cycle
		a.log.Debugf("app: sensor skip err=%v", err)
		return
	}
	a.session.Touch()
	ts := time.Now().Format(telemetry.TimestampLayout)
	vs := strconv.FormatFloat(value, 'f', 2, 64)
	outcome := a.deliver.Deliver(c.APIURL, c.DeviceID, vs, ts)
	a.log.Infof("app: reading value=%s outcome=%s", vs, outcome)
}

// sendQueued is the drainer's delivery attempt, same request shape as
// live readings, addressed with the current settings.
func (a *App) sendQueued(timestamp, value string) error {
	c := a.conf.Get()
	return a.deliver.Send(c.APIURL, c.DeviceID, value, timestamp)
}

func (a *App) handleRequest(ctx context.Context, r control.Request) {
	switch r := r.(type) {
	case control.ScanRequest:
		a.session.Pause()
		a.handler.Notify("Scanning...")
		ssids, err := a.net.Scan()
		if err != nil {
			a.log.Errorf("app: scan err=%v", err)
			a.handler.Notify("Scan failed.")
		} else {
			b, _ := json.Marshal(ssids)
			a.handler.Notify(string(b))
		}
		a.session.Resume()
		a.session.Touch()

	case control.ProvisionRequest:
		a.session.Pause()
		a.handler.Notify("Connecting...")
		if err := a.net.Provision(r.SSID, r.Pass); err != nil {
			a.log.Infof("app: provision err=%v", err)
			a.handler.Notify("Connection Failed.")
		} else {
			a.handler.Notify(a.net.Status())
			a.sched.Force()
		}
		a.session.Resume()
		a.session.Touch()

	case control.ConfigPatch:
		a.applyPatch(ctx, r.Patch)

	case control.ForgetRequest:
		if err := a.net.Forget(); err != nil {
			a.log.Errorf("app: forget err=%v", err)
		}
		a.handler.Notify("Wi-Fi credentials erased.")

	default:
		a.log.Errorf("app: unknown request %T", r)
	}
}

func (a *App) applyPatch(ctx context.Context, p devconf.Patch) {
	res, err := a.conf.ApplyAndSave(p)
	if err != nil {
		a.log.Errorf("app: settings save err=%v", err)
	}
	for _, fe := range res.FieldErrors {
		a.handler.Notify(fe)
	}
	if !res.Changed {
		return
	}
	a.sched.Force()

	c := a.conf.Get()
	if res.SP1Changed {
		if err := a.bus.WriteRegister(sensor.RegSetPoint1, uint16(int(c.SetPoint1))); err != nil {
			a.log.Errorf("app: setpoint1 write err=%v", err)
		}
	}
	if res.SP2Changed {
		if err := a.bus.WriteRegister(sensor.RegSetPoint2, uint16(int(c.SetPoint2))); err != nil {
			a.log.Errorf("app: setpoint2 write err=%v", err)
		}
	}

	if res.NameChanged {
		a.handler.Notify("Name Saved. Restarting...")
		// broadcast identity changed: reinitialize the control
		// channel instead of restarting the whole process
		a.restartControl(ctx)
	} else {
		a.handler.Notify("Settings Saved.")
	}
}

func (a *App) startControl(ctx context.Context) error {
	t := a.newTransport()
	opts := control.Options{
		Name:         a.BroadcastName(),
		Broker:       a.cfg.Control.MqttBroker,
		Password:     a.cfg.Control.MqttPassword,
		KeepaliveSec: a.cfg.Control.KeepaliveSec,
		LogDebug:     a.cfg.Control.LogDebug,
	}
	if err := t.Init(ctx, a.log, opts, a.handler.OnSession, a.handler.OnMessage); err != nil {
		return errors.Annotate(err, "control transport")
	}
	a.transport = t
	a.handler.AttachTransport(t)
	a.log.Infof("app: control channel up name=%s", opts.Name)
	return nil
}

func (a *App) restartControl(ctx context.Context) {
	if a.transport == nil {
		return
	}
	a.transport.Close()
	a.session.SetConnected(false)
	if err := a.startControl(ctx); err != nil {
		a.log.Errorf("app: control restart err=%v", err)
	}
}

func (a *App) shutdown() {
	if a.transport != nil {
		a.transport.Close()
	}
	if closer, ok := a.bus.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// Resync implements netman.TimeSyncer. The actual time protocol is an
// external collaborator, this only records that wall clock can now be
// trusted, which clock-aligned scheduling depends on.
func (a *App) Resync() {
	atomic.StoreUint32(&a.timeSynced, 1)
	a.log.Infof("app: time resync server=%s", a.conf.Get().NTPServer)
}

func (a *App) timeIsValid() bool { return atomic.LoadUint32(&a.timeSynced) == 1 }

// BroadcastName is the control-channel identity: the nickname when
// set, else a hardware-derived default.
func (a *App) BroadcastName() string {
	if nick := a.conf.Get().Nickname; nick != "" {
		return nick
	}
	return defaultBroadcastName()
}

func defaultBroadcastName() string {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 4 {
				continue
			}
			hw := ifc.HardwareAddr
			low := hw[len(hw)-4:]
			return "ESP_Setup_" + strings.ToUpper(hex.EncodeToString(low))
		}
	}
	return "ESP_Setup_0000"
}
