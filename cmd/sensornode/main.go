package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"

	"github.com/cloudbases/sensornode/internal/app"
	"github.com/cloudbases/sensornode/internal/config"
	"github.com/cloudbases/sensornode/internal/sensor"
	"github.com/cloudbases/sensornode/log2"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	flagConfig := flag.String("config", "sensornode.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal already timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}
	log.Info("hello")

	cfg := config.MustReadFile(log, *flagConfig)
	log.Debugf("config=%+v", cfg)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}

	var bus sensor.Bus = sensor.Disabled{}
	if cfg.Sensor.Enable {
		mb, err := sensor.NewModbus(log, sensor.ModbusConfig{
			Device:  cfg.Sensor.Device,
			Baud:    cfg.Sensor.Baudrate,
			SlaveId: cfg.Sensor.SlaveId,
			Timeout: time.Duration(cfg.Sensor.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		bus = mb
	}

	a, err := app.New(app.Options{
		Config: cfg,
		Log:    log,
		Bus:    bus,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("signal: stopping")
		a.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	log.Info("init complete, running")
	a.Run(ctx)
	sdnotify(daemon.SdNotifyStopping)
	log.Info("goodbye")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
