package netman

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"github.com/cloudbases/sensornode/internal/persist"
	"github.com/cloudbases/sensornode/log2"
)

const credPersistTag = "wifi_db"

// MaxSaved bounds the remembered network list.
const MaxSaved = 5

// Credential key names are short on purpose, the record crosses the
// size-limited control channel and the original firmware stored it
// this way.
type Credential struct {
	SSID string `json:"s"`
	Pass string `json:"p"`
}

// CredStore is the ordered, bounded list of remembered networks.
// Order is insertion order, oldest first. Updating a password in
// place does not move the entry.
type CredStore struct {
	lk      sync.Mutex
	log     *log2.Log
	persist persist.Persist
	list    []Credential
}

func NewCredStore(log *log2.Log, root string) (*CredStore, error) {
	s := &CredStore{log: log}
	if err := s.persist.Init(credPersistTag, s, root, log); err != nil {
		return nil, errors.Annotate(err, "credstore")
	}
	return s, nil
}

func (s *CredStore) Load() error {
	if err := s.persist.Load(); err != nil {
		// corrupt credential list is recoverable, start empty
		s.log.Errorf("credstore load err=%v", err)
		s.lk.Lock()
		s.list = nil
		s.lk.Unlock()
	}
	return nil
}

// Upsert remembers ssid/pass. Existing ssid gets the new password in
// place. A new ssid at capacity evicts the oldest-inserted entry.
// Empty ssid is a no-op. Persists after every change.
func (s *CredStore) Upsert(ssid, pass string) error {
	if ssid == "" {
		return nil
	}
	s.lk.Lock()
	found := false
	for i := range s.list {
		if s.list[i].SSID == ssid {
			s.list[i].Pass = pass
			found = true
			break
		}
	}
	if !found {
		for len(s.list) >= MaxSaved {
			s.list = s.list[1:]
		}
		s.list = append(s.list, Credential{SSID: ssid, Pass: pass})
	}
	s.lk.Unlock()
	return errors.Annotate(s.persist.Store(), "credstore upsert")
}

// List returns a copy in stored order.
func (s *CredStore) List() []Credential {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Credential, len(s.list))
	copy(out, s.list)
	return out
}

func (s *CredStore) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.list)
}

// Clear erases the whole list. Radio-level state is the Manager's
// job, see Manager.Forget.
func (s *CredStore) Clear() error {
	s.lk.Lock()
	s.list = nil
	s.lk.Unlock()
	return errors.Annotate(s.persist.Store(), "credstore clear")
}

func (s *CredStore) MarshalBinary() ([]byte, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.list)
}

func (s *CredStore) UnmarshalBinary(b []byte) error {
	var list []Credential
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.Annotate(err, "credstore record")
	}
	if len(list) > MaxSaved {
		list = list[len(list)-MaxSaved:]
	}
	s.lk.Lock()
	s.list = list
	s.lk.Unlock()
	return nil
}
