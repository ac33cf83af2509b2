package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

// MaxRuns is the number of run summaries kept in the database
var MaxRuns = 50

// RunSummary describes a single invocation of RunTasks
type RunSummary struct {
	ID       string        `json:"id"`
	Roots    []string      `json:"roots"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Executed []string      `json:"executed"`
	Failed   []string      `json:"failed"`
}

// keys sort by start time so cursors can walk the history in order
func runKey(summary *RunSummary) []byte {
	return []byte(summary.Started.UTC().Format("20060102T150405.000000000") + "-" + summary.ID)
}

// RecordRun stores a summary of result and prunes the oldest summaries beyond MaxRuns
func (s *Store) RecordRun(ctx context.Context, result *buildsys.RunResult) (*RunSummary, error) {
	summary := &RunSummary{
		ID:       nanoid.New(),
		Roots:    result.Roots,
		Started:  result.Started,
		Duration: result.Duration,
		Executed: result.Executed(),
		Failed:   result.Failed(),
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode run summary")
	}

	err = s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucket)
		if err := bucket.Put(runKey(summary), encoded); err != nil {
			return err
		}

		keys := [][]byte{}
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			keys = append(keys, append([]byte{}, k...))
		}

		if len(keys) <= MaxRuns {
			return nil
		}

		// delete after iterating; removing keys under a cursor skips entries
		stale := keys[:len(keys)-MaxRuns]
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to save run summary")
	}

	return summary, nil
}

// Runs returns up to limit summaries, newest first. A limit <= 0 returns all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]*RunSummary, error) {
	result := []*RunSummary{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		cursor := tx.Bucket(runsBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}

			summary := new(RunSummary)
			if err := json.Unmarshal(v, summary); err != nil {
				return eris.Wrapf(err, "failed to decode run %s", string(k))
			}
			result = append(result, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
