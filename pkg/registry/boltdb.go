package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/castellan/castellan/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketAgents = []byte("agents")

// BoltRegistry implements Registry using BoltDB. Every write commits a
// transaction before returning, which is the durability boundary the
// lifecycle controller relies on in strict mode.
type BoltRegistry struct {
	db *bolt.DB
}

// NewBoltRegistry opens (or creates) the registry database under dataDir.
func NewBoltRegistry(dataDir string) (*BoltRegistry, error) {
	dbPath := filepath.Join(dataDir, "registry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAgents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create agents bucket: %w", err)
	}

	return &BoltRegistry{db: db}, nil
}

// Close closes the database
func (r *BoltRegistry) Close() error {
	return r.db.Close()
}

func (r *BoltRegistry) RecordRegistered(agent *types.Agent) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)

		var entry Entry
		if data := b.Get([]byte(agent.ID)); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			if entry.State == types.AdmissionRemoved {
				return fmt.Errorf("agent removed: %s", agent.ID)
			}
		}

		entry = Entry{
			AgentID:      agent.ID,
			Address:      agent.Address,
			State:        types.AdmissionRegistered,
			RegisteredAt: agent.RegisteredAt,
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (r *BoltRegistry) RecordUnreachable(agentID string, since time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)

		data := b.Get([]byte(agentID))
		if data == nil {
			return fmt.Errorf("agent not found: %s", agentID)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.State == types.AdmissionRemoved {
			return fmt.Errorf("agent removed: %s", agentID)
		}

		entry.State = types.AdmissionUnreachable
		entry.UnreachableSince = since

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(agentID), data)
	})
}

func (r *BoltRegistry) RecordRemoved(agentID string, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)

		data := b.Get([]byte(agentID))
		if data == nil {
			return fmt.Errorf("agent not found: %s", agentID)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}

		entry.State = types.AdmissionRemoved
		entry.RemovedAt = at

		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(agentID), data)
	})
}

func (r *BoltRegistry) LoadAll() ([]*Entry, error) {
	var entries []*Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// putEntry writes an entry verbatim, bypassing the state checks. Used
// when restoring from a replicated snapshot.
func (r *BoltRegistry) putEntry(entry *Entry) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).Put([]byte(entry.AgentID), data)
	})
}

func (r *BoltRegistry) Forget(agentID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.Delete([]byte(agentID))
	})
}
