// Package store provides the run's artifact store: the task graph
// document, write-once result records, and the round log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomctl/loom/pkg/models"
)

// ErrDuplicateWrite indicates a second result record write was attempted
// for the same node and round. The store accepts exactly one record per
// node per round; concurrency safety follows from this invariant rather
// than from locks.
var ErrDuplicateWrite = errors.New("result record already written for this node and round")

// ErrRecordNotFound indicates no record exists for a node and round.
var ErrRecordNotFound = errors.New("result record not found")

// Store is the on-disk artifact store for one run, rooted at
// <baseDir>/<slug>/.
type Store struct {
	root string
	slug string
}

// Open creates (if needed) and opens the artifact store for a run.
func Open(baseDir, slug string) (*Store, error) {
	if slug == "" {
		return nil, fmt.Errorf("open store: empty run slug")
	}
	root := filepath.Join(baseDir, slug)
	for _, dir := range []string{root, filepath.Join(root, "records")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{root: root, slug: slug}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Slug returns the run identifier the store is keyed by.
func (s *Store) Slug() string {
	return s.slug
}

// documentPath is where the task graph document lives.
func (s *Store) documentPath() string {
	return filepath.Join(s.root, "graph.json")
}

// SaveDocument persists the task graph document. Only the round
// controller calls this, and only to record compiler output or an
// evaluator-approved append.
func (s *Store) SaveDocument(doc *models.TaskGraphDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	tmp := s.documentPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return os.Rename(tmp, s.documentPath())
}

// LoadDocument reads the persisted task graph document.
func (s *Store) LoadDocument() (*models.TaskGraphDocument, error) {
	data, err := os.ReadFile(s.documentPath())
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	var doc models.TaskGraphDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &doc, nil
}

// RecordPath returns the location a node's record is written to for a
// given round. This is the opaque handle handed to workers.
func (s *Store) RecordPath(node models.NodeID, round int) string {
	return filepath.Join(s.root, "records", fmt.Sprintf("%d", round), string(node)+".json")
}

// WriteRecord persists a result record. The write is exclusive-create:
// a second write for the same node and round fails with
// ErrDuplicateWrite and leaves the original untouched.
func (s *Store) WriteRecord(rec *models.ResultRecord) error {
	path := s.RecordPath(rec.NodeID, rec.Round)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrDuplicateWrite
		}
		return fmt.Errorf("create record: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return nil
}

// ReadRecord loads the record for a node and round.
func (s *Store) ReadRecord(node models.NodeID, round int) (*models.ResultRecord, error) {
	data, err := os.ReadFile(s.RecordPath(node, round))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec models.ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &rec, nil
}

// clarification file names within the run root.
const (
	questionFile = "clarification-question.txt"
	answerFile   = "answer.txt"
)

// WriteQuestion persists the strategist's clarification question so an
// external operator can see what the run is waiting on.
func (s *Store) WriteQuestion(question string) error {
	return os.WriteFile(filepath.Join(s.root, questionFile), []byte(question), 0644)
}

// ReadQuestion reads the pending clarification question if present.
func (s *Store) ReadQuestion() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, questionFile))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// AnswerPath is the file an external answer is expected at.
func (s *Store) AnswerPath() string {
	return filepath.Join(s.root, answerFile)
}

// ReadAnswer reads the clarification answer if present.
func (s *Store) ReadAnswer() (string, bool) {
	data, err := os.ReadFile(s.AnswerPath())
	if err != nil {
		return "", false
	}
	return string(data), true
}

// ConsumeAnswer reads the clarification answer and archives the file so
// a later clarification never re-reads a stale answer.
func (s *Store) ConsumeAnswer(round int) (string, bool) {
	answer, ok := s.ReadAnswer()
	if !ok {
		return "", false
	}
	archived := filepath.Join(s.root, fmt.Sprintf("answer-round-%d.txt", round))
	if err := os.Rename(s.AnswerPath(), archived); err != nil {
		// Consumption must not fail the run; leave the file in place.
		return answer, true
	}
	// The question is settled once its answer is consumed.
	os.Remove(filepath.Join(s.root, questionFile))
	return answer, true
}

// WriteSpawnTree persists the spawn tree rendering for the run log.
func (s *Store) WriteSpawnTree(rendered string) error {
	return os.WriteFile(filepath.Join(s.root, "spawn-tree.txt"), []byte(rendered), 0644)
}
