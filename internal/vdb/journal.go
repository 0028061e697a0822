package vdb

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// StepState is one journal row's lifecycle state (spec §4.4's journal
// protocol: OPEN, PREPARED, COMMITTED, CLOSED).
type StepState string

const (
	StatePrepared  StepState = "PREPARED"
	StateCommitted StepState = "COMMITTED"
)

// TxState marks the overall transaction's journal status, checked on
// startup resume (spec §4.4 step 7, §6's resume protocol).
type TxState string

const (
	TxOpen   TxState = "OPEN"
	TxClosed TxState = "CLOSED"
)

// JournalStep is one row of the journal(tx_id, step_no, kind, payload,
// state) table (spec §4.3, §4.4). Payload carries whatever the step kind
// needs to compute its inverse on rollback (the prior record, prior file
// hashes of overwritten files).
type JournalStep struct {
	TxID   string
	StepNo int
	Kind   string // "Fetch", "Build", "MergePkg", "UnmergePkg"
	Payload []byte
	State  StepState
}

var metaKey = []byte("_meta")

// OpenTransaction writes the OPEN journal row for a new tx_id (spec §4.4
// step 1).
func (s *Store) OpenTransaction(txID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		b, err := nestedBucket(j, []byte(txID))
		if err != nil {
			return err
		}
		return b.Put(metaKey, []byte(TxOpen))
	})
}

// CloseTransaction writes the CLOSED journal row, releasing the
// transaction (spec §4.4 step 7).
func (s *Store) CloseTransaction(txID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		b := j.Bucket([]byte(txID))
		if b == nil {
			return errors.Errorf("no journal for transaction %q", txID)
		}
		return b.Put(metaKey, []byte(TxClosed))
	})
}

// PutStep records (or updates) one step's journal row.
func (s *Store) PutStep(step JournalStep) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		b, err := nestedBucket(j, []byte(step.TxID))
		if err != nil {
			return err
		}
		encoded, err := encodeJSON(step)
		if err != nil {
			return err
		}
		return b.Put(stepKey(step.StepNo), encoded)
	})
}

// Steps returns every step recorded for txID, in step order.
func (s *Store) Steps(txID string) ([]JournalStep, error) {
	var out []JournalStep
	err := s.db.View(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		b := j.Bucket([]byte(txID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(metaKey) {
				return nil
			}
			var step JournalStep
			if err := decodeJSON(v, &step); err != nil {
				return err
			}
			out = append(out, step)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNo < out[j].StepNo })
	return out, nil
}

// OpenTransactions returns the tx_ids whose journal is OPEN but not CLOSED,
// the set resume must process on startup (spec §4.4's resume protocol).
func (s *Store) OpenTransactions() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		return j.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a sub-bucket
			}
			b := j.Bucket(k)
			if b == nil {
				return nil
			}
			if TxState(b.Get(metaKey)) == TxOpen {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

// PurgeTransaction removes a transaction's journal bucket entirely, used
// once rollback or resume has fully reconciled its effects and the
// transaction no longer needs to be considered on a future resume.
func (s *Store) PurgeTransaction(txID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j := tx.Bucket(bucketJournal)
		if j.Bucket([]byte(txID)) == nil {
			return nil
		}
		return j.DeleteBucket([]byte(txID))
	})
}

func stepKey(stepNo int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(stepNo))
	return k
}
