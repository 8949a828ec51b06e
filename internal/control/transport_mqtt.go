package control

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/helpers"
	"github.com/cloudbases/sensornode/log2"
)

// transportMqtt carries the control channel over a broker. Topics
// under the broadcast name: <name>/w client writes, <name>/n device
// notifies, <name>/c retained client presence (0x01 connect, 0x00
// disconnect, also the client's will).
type transportMqtt struct {
	log       *log2.Log
	onSession SessionFunc
	onMessage MessageFunc
	m         mqtt.Client
	mopt      *mqtt.ClientOptions

	topicWrite   string
	topicNotify  string
	topicSession string
}

func NewTransportMqtt() Transporter { return &transportMqtt{} }

func (t *transportMqtt) Init(ctx context.Context, log *log2.Log, opts Options, onSession SessionFunc, onMessage MessageFunc) error {
	t.log = log
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if opts.LogDebug {
		mqtt.DEBUG = log
	}

	if opts.Name == "" {
		return errors.Errorf("control transport name=empty")
	}
	t.onSession = onSession
	t.onMessage = onMessage
	t.topicWrite = fmt.Sprintf("%s/w", opts.Name)
	t.topicNotify = fmt.Sprintf("%s/n", opts.Name)
	t.topicSession = fmt.Sprintf("%s/c", opts.Name)

	keepAlive := helpers.IntSecondDefault(opts.KeepaliveSec, 60)
	credFun := func() (string, string) {
		return opts.Name, opts.Password
	}
	t.mopt = mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.Name).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(t.messageHandler).
		SetKeepAlive(keepAlive).
		SetPingTimeout(keepAlive / 2).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnectHandler).
		SetConnectionLostHandler(t.connectLostHandler).
		SetConnectRetry(true)
	t.m = mqtt.NewClient(t.mopt)
	token := t.m.Connect()
	if token.Error() != nil {
		return errors.Annotate(token.Error(), "control transport connect")
	}
	return nil
}

func (t *transportMqtt) Notify(payload []byte) bool {
	if len(payload) > MaxMessageSize {
		t.log.Errorf("control notify oversize len=%d", len(payload))
		payload = payload[:MaxMessageSize]
	}
	t.m.Publish(t.topicNotify, 1, false, payload)
	return true
}

// Kick publishes a retained session-end marker, both sides observe
// the session as closed.
func (t *transportMqtt) Kick() {
	t.m.Publish(t.topicSession, 1, true, []byte{0x00})
	t.onSession(false)
}

func (t *transportMqtt) Close() {
	if token := t.m.Unsubscribe(t.topicWrite, t.topicSession); token.Wait() && token.Error() != nil {
		t.log.Errorf("control transport unsubscribe err=%v", token.Error())
	}
	t.m.Disconnect(250)
}

func (t *transportMqtt) messageHandler(c mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	switch msg.Topic() {
	case t.topicSession:
		connected := len(payload) == 1 && payload[0] == 0x01
		t.log.Debugf("control session connected=%t", connected)
		t.onSession(connected)
	case t.topicWrite:
		t.onMessage(payload)
	default:
		t.log.Debugf("control unexpected topic=%s", msg.Topic())
	}
}

func (t *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	t.log.Infof("control transport disconnect err=%v", err)
}

func (t *transportMqtt) onConnectHandler(c mqtt.Client) {
	t.log.Infof("control transport connect")
	if token := c.SubscribeMultiple(map[string]byte{
		t.topicWrite:   1,
		t.topicSession: 1,
	}, nil); token.Wait() && token.Error() != nil {
		t.log.Errorf("control transport subscribe err=%v", token.Error())
	}
}
