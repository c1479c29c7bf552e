// Package store provides persistent storage for the advisory engine
// using BoltDB: versioned quality-predictor models with an atomic
// active pointer, feedback history, and recorded stroke samples with
// their extracted feature vectors.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"shuttle-coach/internal/features"
	"shuttle-coach/internal/ml"
	"shuttle-coach/internal/pose"
)

const (
	modelsBucket   = "models"
	metaBucket     = "meta"
	feedbackBucket = "feedback"
	samplesBucket  = "samples"
	featuresBucket = "features"

	activeKey = "active"
)

// ErrNoActiveModel is returned before the first promotion.
var ErrNoActiveModel = errors.New("no active model version")

// ErrUnknownStroke is returned when a referenced sample was never recorded.
var ErrUnknownStroke = errors.New("unknown stroke sample")

// ConcurrencyConflictError signals a promotion whose parent is not the
// current active version. The learning manager serializes promotions,
// so observing this is an internal invariant violation.
type ConcurrencyConflictError struct {
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent promotion detected: candidate parent %d, active %d", e.Expected, e.Actual)
}

// ModelVersion is one immutable persisted model snapshot.
type ModelVersion struct {
	ID                   uint64    `json:"id"`
	Params               ml.Params `json:"params"`
	TrainedAt            time.Time `json:"trainedAt"`
	ValidationMetric     float64   `json:"validationMetric"`
	ParentVersionID      uint64    `json:"parentVersionId"`
	FeatureSchemaVersion string    `json:"featureSchemaVersion"`
}

// FeedbackRecord is one user correction tied to exactly one stroke.
type FeedbackRecord struct {
	StrokeID          string    `json:"strokeId"`
	CorrectedScore    float64   `json:"correctedScore"`
	CorrectedFindings []string  `json:"correctedFindings,omitempty"`
	SubmittedAt       time.Time `json:"submittedAt"`
}

// Store wraps a single BoltDB file. keep bounds how many non-active
// model versions are retained for rollback.
type Store struct {
	db   *bbolt.DB
	keep int
}

// New opens (or creates) the database under dataPath.
func New(dataPath string, keepVersions int) (*Store, error) {
	if keepVersions < 1 {
		keepVersions = 1
	}
	dbPath := filepath.Join(dataPath, "coach-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{modelsBucket, metaBucket, feedbackBucket, samplesBucket, featuresBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, keep: keepVersions}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func activeID(tx *bbolt.Tx) uint64 {
	v := tx.Bucket([]byte(metaBucket)).Get([]byte(activeKey))
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// GetActive loads the currently active model version.
func (s *Store) GetActive() (*ModelVersion, error) {
	var mv *ModelVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := activeID(tx)
		if id == 0 {
			return ErrNoActiveModel
		}
		data := tx.Bucket([]byte(modelsBucket)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("active model %d missing from store", id)
		}
		mv = &ModelVersion{}
		return json.Unmarshal(data, mv)
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// Promote persists the candidate as the next version and atomically
// flips the active pointer within a single transaction. The candidate
// must name the current active version as its parent. Old versions
// beyond the retention bound are pruned, never the active one.
func (s *Store) Promote(candidate *ModelVersion) (*ModelVersion, error) {
	if candidate == nil {
		return nil, fmt.Errorf("nil candidate")
	}
	stored := *candidate

	err := s.db.Update(func(tx *bbolt.Tx) error {
		current := activeID(tx)
		if candidate.ParentVersionID != current {
			return &ConcurrencyConflictError{Expected: candidate.ParentVersionID, Actual: current}
		}

		b := tx.Bucket([]byte(modelsBucket))
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate version id: %w", err)
		}
		stored.ID = id

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal model version: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return fmt.Errorf("store model version: %w", err)
		}
		if err := tx.Bucket([]byte(metaBucket)).Put([]byte(activeKey), itob(id)); err != nil {
			return fmt.Errorf("set active pointer: %w", err)
		}
		return s.pruneLocked(tx, id)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// pruneLocked removes versions older than the newest keep+1 (active
// plus rollback window). Runs inside the promotion transaction.
func (s *Store) pruneLocked(tx *bbolt.Tx, active uint64) error {
	b := tx.Bucket([]byte(modelsBucket))
	var ids []uint64
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, binary.BigEndian.Uint64(k))
	}
	excess := len(ids) - (s.keep + 1)
	for i := 0; i < excess; i++ {
		if ids[i] == active {
			continue
		}
		if err := b.Delete(itob(ids[i])); err != nil {
			return err
		}
	}
	return nil
}

// Rollback repoints the active pointer to a retained prior version.
func (s *Store) Rollback(versionID uint64) (*ModelVersion, error) {
	var mv *ModelVersion
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(modelsBucket)).Get(itob(versionID))
		if data == nil {
			return fmt.Errorf("version %d not found", versionID)
		}
		mv = &ModelVersion{}
		if err := json.Unmarshal(data, mv); err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(activeKey), itob(versionID))
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// Versions lists all retained model versions in ascending id order.
func (s *Store) Versions() ([]ModelVersion, error) {
	var out []ModelVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(modelsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var mv ModelVersion
			if err := json.Unmarshal(v, &mv); err != nil {
				continue
			}
			out = append(out, mv)
		}
		return nil
	})
	return out, err
}

// AppendFeedback persists one accepted feedback record.
func (s *Store) AppendFeedback(rec FeedbackRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal feedback: %w", err)
		}
		key := fmt.Sprintf("%s_%d", rec.StrokeID, rec.SubmittedAt.UnixNano())
		return tx.Bucket([]byte(feedbackBucket)).Put([]byte(key), data)
	})
}

// FeedbackHistory returns every persisted feedback record.
func (s *Store) FeedbackHistory() ([]FeedbackRecord, error) {
	var out []FeedbackRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(feedbackBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec FeedbackRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PutSample records an analyzed stroke sample so later feedback can be
// validated against it.
func (s *Store) PutSample(sample *pose.StrokeSample) error {
	if sample == nil || sample.ID == "" {
		return fmt.Errorf("sample must have an id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("marshal sample: %w", err)
		}
		return tx.Bucket([]byte(samplesBucket)).Put([]byte(sample.ID), data)
	})
}

// PutFeatures records the extracted feature vector for a stroke,
// making it available as a training input once feedback arrives.
func (s *Store) PutFeatures(strokeID string, v *features.Vector) error {
	if strokeID == "" || v == nil {
		return fmt.Errorf("features require a stroke id and vector")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		return tx.Bucket([]byte(featuresBucket)).Put([]byte(strokeID), data)
	})
}

// FeaturesFor loads the recorded feature vector for a stroke.
// Returns ErrUnknownStroke if the stroke was never analyzed.
func (s *Store) FeaturesFor(strokeID string) (*features.Vector, error) {
	var v *features.Vector
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(featuresBucket)).Get([]byte(strokeID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrUnknownStroke, strokeID)
		}
		v = &features.Vector{}
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
