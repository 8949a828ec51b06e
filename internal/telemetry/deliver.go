package telemetry

import (
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/log2"
)

const httpTimeout = 5 * time.Second

// TimestampLayout of readings on the wire and in the queue.
const TimestampLayout = "2006-01-02 15:04:05"

type Outcome int

const (
	Delivered Outcome = iota
	QueuedOffline
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case QueuedOffline:
		return "queued-offline"
	case Lost:
		return "lost"
	}
	return "unknown!"
}

// Deliverer attempts remote delivery of one reading and falls back
// to the durable queue.
type Deliverer struct {
	log    *log2.Log
	queue  *Queue
	client *http.Client
}

// NewDeliverer with optional transport override for tests.
func NewDeliverer(log *log2.Log, queue *Queue, rt http.RoundTripper) *Deliverer {
	return &Deliverer{
		log:   log,
		queue: queue,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: rt,
		},
	}
}

// BuildURL formats the ingestion request. The endpoint takes readings
// as query parameters, spaces percent-encoded.
func BuildURL(apiURL, deviceID, value, timestamp string) string {
	u := apiURL +
		"?device_code=" + deviceID +
		"&field1=" + value +
		"&timestamp=" + timestamp
	return strings.Replace(u, " ", "%20", -1)
}

// Send performs one delivery attempt. Success requires the OK status
// and the literal `true` in the body, which is what the existing
// ingestion endpoint answers. Anything else is a DeliveryError.
func (d *Deliverer) Send(apiURL, deviceID, value, timestamp string) error {
	url := BuildURL(apiURL, deviceID, value, timestamp)
	resp, err := d.client.Get(url)
	if err != nil {
		return errors.Annotate(err, "deliver")
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotate(err, "deliver read body")
	}
	d.log.Debugf("deliver status=%d body=%s", resp.StatusCode, string(body))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("deliver status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "true") {
		return errors.Errorf("deliver endpoint refused body=%s", string(body))
	}
	return nil
}

// Deliver sends one reading, queueing it offline on failure. When the
// queue itself fails, the reading is dropped.
func (d *Deliverer) Deliver(apiURL, deviceID, value, timestamp string) Outcome {
	if err := d.Send(apiURL, deviceID, value, timestamp); err != nil {
		d.log.Infof("deliver failed err=%v, saving offline", err)
		if qerr := d.queue.Append(timestamp, value); qerr != nil {
			d.log.Errorf("reading lost ts=%s err=%v", timestamp, qerr)
			return Lost
		}
		return QueuedOffline
	}
	return Delivered
}
