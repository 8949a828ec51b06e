package telemetry

import (
	"strings"
	"time"

	"github.com/cloudbases/sensornode/log2"
)

const (
	// DrainInterval between drain passes while connected.
	DrainInterval = 15 * time.Minute

	drainMaxBatch = 5
	drainBudget   = 5 * time.Second
)

// SendFunc is one delivery attempt for a queued reading.
type SendFunc func(timestamp, value string) error

// Drainer re-delivers queued readings in storage order. A batch stops
// at the first delivery failure so no entry is ever skipped past, at
// the cost of head-of-line blocking on a persistently bad one.
type Drainer struct {
	log   *log2.Log
	queue *Queue
	send  SendFunc

	// test hooks
	maxBatch int
	budget   time.Duration
}

func NewDrainer(log *log2.Log, queue *Queue, send SendFunc) *Drainer {
	return &Drainer{
		log:      log,
		queue:    queue,
		send:     send,
		maxBatch: drainMaxBatch,
		budget:   drainBudget,
	}
}

// Drain processes at most one batch within the time budget. Returns
// the number of entries delivered and removed. Malformed entries
// (no separator) are unrecoverable: deleted and skipped.
func (d *Drainer) Drain() int {
	begin := time.Now()
	names, err := d.queue.Entries()
	if err != nil {
		d.log.Debugf("drain list err=%v", err)
		return 0
	}

	processed := 0
	for _, name := range names {
		if processed >= d.maxBatch {
			break
		}
		if time.Since(begin) > d.budget {
			d.log.Infof("drain budget spent, %d entries left", len(names)-processed)
			break
		}

		line, err := d.queue.ReadEntry(name)
		if err != nil {
			d.log.Errorf("drain read name=%s err=%v", name, err)
			break
		}
		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			d.log.Errorf("drain corrupt entry name=%s, deleting", name)
			_ = d.queue.Remove(name)
			continue
		}
		timestamp, value := line[:comma], line[comma+1:]

		if err := d.send(timestamp, value); err != nil {
			// leave this and all following entries for next pass
			d.log.Infof("drain send name=%s err=%v, retry later", name, err)
			break
		}
		if err := d.queue.Remove(name); err != nil {
			d.log.Errorf("drain remove name=%s err=%v", name, err)
			break
		}
		d.log.Infof("drain uploaded & deleted %s", name)
		processed++
	}
	return processed
}
