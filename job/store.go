package job

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/truenas/middleware-sub024/errors"
)

var jobsBucket = []byte("jobs")

// Store persists job snapshots in a bbolt database so job history survives
// daemon restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the job database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "job", "OpenStore", "database open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "job", "OpenStore", "bucket creation")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes one job snapshot, keyed by id.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "job", "Save", "snapshot encoding")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Put(idKey(snap.ID), data)
	})
	if err != nil {
		return errors.Wrap(err, "job", "Save", "database write")
	}
	return nil
}

// Load reads one job snapshot by id.
func (s *Store) Load(id int64) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get(idKey(id))
		if data == nil {
			return errors.Newf(errors.KindNotFound, "job %d not in store", id)
		}
		return json.Unmarshal(data, &snap)
	})
	return snap, err
}

// Delete removes one job record.
func (s *Store) Delete(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete(idKey(id))
	})
}

// List returns all stored snapshots in id order.
func (s *Store) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "job", "List", "database scan")
	}
	return out, nil
}

// RecoverInterrupted marks every non-terminal stored job as failed and
// returns how many were touched along with the highest id seen. Called
// once at startup before any submission.
func (s *Store) RecoverInterrupted() (int, int64, error) {
	var count int
	var maxID int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			if snap.ID > maxID {
				maxID = snap.ID
			}
			if snap.State.Terminal() {
				continue
			}
			snap.State = StateFailed
			snap.Error = "interrupted by middleware restart"
			now := time.Now()
			snap.TimeFinished = &now

			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "job", "RecoverInterrupted", "database update")
	}
	return count, maxID, nil
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
