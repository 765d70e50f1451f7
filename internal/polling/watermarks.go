package polling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	bolt "go.etcd.io/bbolt"
)

var bucketWatermarks = []byte("watermarks")

// Watermarks remembers the last record id delivered per user and kind so a
// new session does not replay what an earlier one already sent.
type Watermarks interface {
	Get(userId string, kind events.Category) (int64, bool, error)
	Set(userId string, kind events.Category, id int64) error
}

type watermark struct {
	Id        int64     `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoltWatermarks stores watermarks in a bbolt file. Entries older than ttl
// are treated as absent and removed by Prune.
type BoltWatermarks struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

func OpenBoltWatermarks(path string, ttl time.Duration) (*BoltWatermarks, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open watermark store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWatermarks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketWatermarks, err)
	}

	return &BoltWatermarks{db: db, ttl: ttl, now: time.Now}, nil
}

func watermarkKey(userId string, kind events.Category) []byte {
	return []byte(string(kind) + ":" + userId)
}

func (w *BoltWatermarks) Get(userId string, kind events.Category) (int64, bool, error) {
	var mark watermark
	found := false

	err := w.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWatermarks).Get(watermarkKey(userId, kind))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &mark)
	})
	if err != nil {
		return 0, false, fmt.Errorf("read watermark: %w", err)
	}

	if !found || w.expired(mark) {
		return 0, false, nil
	}

	return mark.Id, true, nil
}

func (w *BoltWatermarks) Set(userId string, kind events.Category, id int64) error {
	data, err := json.Marshal(watermark{Id: id, UpdatedAt: w.now().UTC()})
	if err != nil {
		return err
	}

	return w.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatermarks).Put(watermarkKey(userId, kind), data)
	})
}

// Prune deletes expired watermarks and returns how many were removed.
func (w *BoltWatermarks) Prune() (int, error) {
	removed := 0

	err := w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var mark watermark
			if err := json.Unmarshal(v, &mark); err != nil || w.expired(mark) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})

	return removed, err
}

func (w *BoltWatermarks) expired(mark watermark) bool {
	return w.ttl > 0 && w.now().Sub(mark.UpdatedAt) > w.ttl
}

func (w *BoltWatermarks) Close() error {
	return w.db.Close()
}
