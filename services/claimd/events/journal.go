package events

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketClaimEvents = []byte("claim_events")

// Journal persists claim outcome events per user so a client reconnecting to
// the stream can replay recent outcomes. Appends are best-effort and never
// gate settlement.
type Journal struct {
	db *bolt.DB
}

// OpenJournal initialises the bbolt-backed event journal.
func OpenJournal(path string, options *bolt.Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClaimEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare event journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// journalRetain caps the number of stored events per user; Append prunes the
// oldest entries beyond it.
const journalRetain = 256

// Append stores the event under a per-user monotonically increasing key and
// prunes entries older than the retention cap in the same transaction.
func (j *Journal) Append(evt Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	if strings.TrimSpace(evt.UserID) == "" {
		return fmt.Errorf("event user id required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketClaimEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(journalKey(evt.UserID, seq), payload); err != nil {
			return err
		}
		return pruneUser(bucket, evt.UserID)
	})
}

// pruneUser walks the user's entries newest to oldest and deletes everything
// past the retention cap.
func pruneUser(bucket *bolt.Bucket, userID string) error {
	prefix := []byte(userID + "|")
	cursor := bucket.Cursor()
	kept := 0
	var stale [][]byte
	for k, _ := seekLast(cursor, prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Prev() {
		kept++
		if kept > journalRetain {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit events for the user, oldest first. The scan runs
// backwards from the newest entry so the cost is bounded by limit rather than
// by the journal size.
func (j *Journal) Recent(userID string, limit int) ([]Event, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	prefix := []byte(userID + "|")
	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketClaimEvents).Cursor()
		for k, v := seekLast(cursor, prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Prev() {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, evt)
			if len(events) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for left, right := 0, len(events)-1; left < right; left, right = left+1, right-1 {
		events[left], events[right] = events[right], events[left]
	}
	return events, nil
}

// seekLast positions the cursor on the greatest key carrying the prefix, or
// past the range when none exists.
func seekLast(cursor *bolt.Cursor, prefix []byte) ([]byte, []byte) {
	after := append([]byte(nil), prefix...)
	after[len(after)-1]++
	k, _ := cursor.Seek(after)
	if k == nil {
		return cursor.Last()
	}
	return cursor.Prev()
}

func journalKey(userID string, seq uint64) []byte {
	key := make([]byte, 0, len(userID)+1+8)
	key = append(key, userID...)
	key = append(key, '|')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
