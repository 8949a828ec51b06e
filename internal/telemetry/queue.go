// Package telemetry carries one reading from the sensor to the
// ingestion endpoint: direct delivery, the durable offline queue on
// removable storage, the drainer and the fire-time scheduler.
package telemetry

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/log2"
)

const queueOpTimeout = 5 * time.Second
const entrySuffix = ".txt"

// ErrStorageNotReady: removable storage absent or unwritable.
// Queueing degrades to data loss, one reading at a time.
var ErrStorageNotReady = errors.New("queue storage not ready")

// Queue persists undelivered readings, one entry per reading, named
// from the timestamp with separator characters stripped. Entries are
// drained in storage enumeration order, not creation order.
type Queue struct {
	log *log2.Log
	dir string
}

func NewQueue(log *log2.Log, dir string) *Queue {
	return &Queue{log: log, dir: dir}
}

func (q *Queue) Ready() bool {
	fi, err := os.Stat(q.dir)
	return err == nil && fi.IsDir()
}

// EntryName derives the storage name for a timestamp:
// "2006-01-02 15:04:05" -> "20060102150405.txt"
func EntryName(timestamp string) string {
	r := strings.NewReplacer(" ", "", "-", "", ":", "")
	return r.Replace(timestamp) + entrySuffix
}

// Append writes one `timestamp,value` entry. Bounded by the storage
// op budget, slower writes are treated as failed.
func (q *Queue) Append(timestamp, value string) error {
	if !q.Ready() {
		return ErrStorageNotReady
	}
	begin := time.Now()
	name := EntryName(timestamp)
	line := timestamp + "," + value + "\n"
	if err := ioutil.WriteFile(filepath.Join(q.dir, name), []byte(line), 0644); err != nil {
		return errors.Annotatef(err, "queue append name=%s", name)
	}
	if time.Since(begin) > queueOpTimeout {
		return errors.Errorf("queue append name=%s write timeout", name)
	}
	q.log.Infof("queue saved -> %s", name)
	return nil
}

// Entries returns entry names in storage enumeration order.
func (q *Queue) Entries() ([]string, error) {
	if !q.Ready() {
		return nil, ErrStorageNotReady
	}
	fis, err := ioutil.ReadDir(q.dir)
	if err != nil {
		return nil, errors.Annotate(err, "queue list")
	}
	names := make([]string, 0, len(fis))
	for _, fi := range fis {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), entrySuffix) {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadEntry returns the single line of one entry, without newline.
func (q *Queue) ReadEntry(name string) (string, error) {
	b, err := ioutil.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return "", errors.Annotatef(err, "queue read name=%s", name)
	}
	line := string(b)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line, nil
}

func (q *Queue) Remove(name string) error {
	return errors.Annotatef(os.Remove(filepath.Join(q.dir, name)), "queue remove name=%s", name)
}
