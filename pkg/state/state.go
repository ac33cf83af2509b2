// Package state persists task records and run history in a bbolt database.
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

type txCtxKey struct{}

var (
	tasksBucket = []byte("tasks")
	runsBucket  = []byte("runs")
)

// Store implements buildsys.StateStore
type Store struct {
	db   *bolt.DB
	path string
}

var _ buildsys.StateStore = (*Store)(nil)

// Open opens (or creates) the database at dbPath. Fails if another process holds the
// database for more than a second.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(dbPath), 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(dbPath))
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open state database %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{tasksBucket, runsBucket} {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize state database")
	}

	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func CtxWithTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

func TxFromCtx(ctx context.Context) *bolt.Tx {
	val := ctx.Value(txCtxKey{})
	if val == nil {
		return nil
	}
	return val.(*bolt.Tx)
}

// BatchUpdate runs callback in a write transaction. Store methods called with the passed
// context reuse that transaction.
func (s *Store) BatchUpdate(ctx context.Context, callback func(context.Context) error) error {
	return s.db.Batch(func(tx *bolt.Tx) error {
		return callback(CtxWithTx(ctx, tx))
	})
}

func (s *Store) BatchRead(ctx context.Context, callback func(context.Context) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return callback(CtxWithTx(ctx, tx))
	})
}

func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil {
		if !tx.Writable() {
			return eris.New("tried to write inside a read-only transaction")
		}
		return fn(tx)
	}

	return s.db.Batch(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if tx := TxFromCtx(ctx); tx != nil {
		return fn(tx)
	}

	return s.db.View(fn)
}

// LoadTask returns the last record of the named task or nil if there is none
func (s *Store) LoadTask(ctx context.Context, name string) (*buildsys.TaskRecord, error) {
	var record *buildsys.TaskRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		data := tx.Bucket(tasksBucket).Get([]byte(name))
		if data == nil {
			return nil
		}

		record = new(buildsys.TaskRecord)
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load record for task %s", name)
	}

	return record, nil
}

func (s *Store) SaveTask(ctx context.Context, record *buildsys.TaskRecord) error {
	if record.Task == "" {
		return eris.New("can't save a record without a task name")
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return eris.Wrapf(err, "failed to encode record for task %s", record.Task)
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put([]byte(record.Task), encoded)
	})
}

// Tasks returns every stored record sorted by task name
func (s *Store) Tasks(ctx context.Context) ([]*buildsys.TaskRecord, error) {
	result := []*buildsys.TaskRecord{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			record := new(buildsys.TaskRecord)
			if err := json.Unmarshal(v, record); err != nil {
				return eris.Wrapf(err, "failed to decode record for task %s", string(k))
			}

			result = append(result, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteTasks forgets the records of the passed tasks. Without names, every record is removed.
func (s *Store) DeleteTasks(ctx context.Context, names ...string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		if len(names) == 0 {
			if err := tx.DeleteBucket(tasksBucket); err != nil {
				return err
			}
			_, err := tx.CreateBucket(tasksBucket)
			return err
		}

		for _, name := range names {
			if err := bucket.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}
