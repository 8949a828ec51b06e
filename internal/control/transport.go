// Package control is the short-range command channel: transport,
// session liveness and the message protocol. Inbound messages are
// parsed in the transport callback context, which only validates and
// enqueues work for the scheduler loop, never blocks on network or
// storage itself.
package control

import (
	"context"

	"github.com/cloudbases/sensornode/log2"
)

// MaxMessageSize bounds one control message either direction.
const MaxMessageSize = 250

type Options struct { //nolint:maligned
	// Name the device broadcasts, nickname or hardware default.
	Name         string
	Broker       string
	Password     string // secret
	KeepaliveSec int
	LogDebug     bool
}

// SessionFunc observes client connect/disconnect.
type SessionFunc func(connected bool)

// MessageFunc receives one raw inbound message.
type MessageFunc func(payload []byte)

// Transporter is the control-channel link: one write direction
// (client to device) and one notify direction (device to client).
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, opts Options, onSession SessionFunc, onMessage MessageFunc) error
	// Notify pushes a payload to the connected client, best effort.
	Notify(payload []byte) bool
	// Kick force-terminates the current client session.
	Kick()
	Close()
}
