// Package meta persists the per-package installed-state record inside a
// prefix. The presence of a record is the definition of "linked": the
// record is written as the final step of an install and deleted as the
// final step of a removal.
package meta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// Record is one installed-state document. Arbitrary index metadata is
// carried through untouched, with the engine's own fields merged in.
type Record map[string]interface{}

// Files returns the record's placed-file list, including derived artifacts.
func (r Record) Files() []string {
	raw, ok := r["files"].([]interface{})
	if !ok {
		// Round-tripped through the engine before marshalling.
		if files, ok := r["files"].([]string); ok {
			return files
		}
		return nil
	}
	files := make([]string, 0, len(raw))
	for _, f := range raw {
		if s, ok := f.(string); ok {
			files = append(files, s)
		}
	}
	return files
}

// Store reads and writes link records under a prefix's state directory.
type Store struct {
	stateDir string
}

// NewStore returns a Store using the given state directory name
// (relative to each prefix).
func NewStore(stateDir string) *Store {
	return &Store{stateDir: stateDir}
}

// StateDir returns the absolute state directory for a prefix.
func (s *Store) StateDir(prefix string) string {
	return filepath.Join(prefix, s.stateDir)
}

// RecordPath returns the path of the record file for a distribution.
func (s *Store) RecordPath(prefix, name string) string {
	return filepath.Join(s.StateDir(prefix), name+".json")
}

// Linked returns the sorted canonical names of every distribution with a
// surviving record in the prefix. A missing state directory is an empty set.
func (s *Store) Linked(prefix string) []string {
	entries, err := os.ReadDir(s.StateDir(prefix))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(names)
	return names
}

// IsLinked returns the record for a linked distribution, or nil when the
// distribution is not linked in the prefix.
func (s *Store) IsLinked(prefix, name string) Record {
	data, err := os.ReadFile(s.RecordPath(prefix, name))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logger := logging.GetLogger("meta")
		logger.Warn().Err(err).Str("dist", name).
			Msg("unreadable link record")
		return nil
	}
	return rec
}

// Create merges the distribution's index metadata with the engine's extra
// fields and commits the record. This is the step that makes a
// distribution "linked".
func (s *Store) Create(prefix, name string, index map[string]interface{}, extra Record) error {
	rec := make(Record, len(index)+len(extra))
	for k, v := range index {
		rec[k] = v
	}
	for k, v := range extra {
		rec[k] = v
	}

	dir := s.StateDir(prefix)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, errors.ErrRecordWrite,
			"cannot create state directory for %s", name)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.ErrRecordWrite,
			"cannot encode link record for %s", name)
	}
	if err := os.WriteFile(s.RecordPath(prefix, name), data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrRecordWrite,
			"cannot write link record for %s", name)
	}
	return nil
}

// Remove deletes the record of a distribution, completing its removal from
// the prefix.
func (s *Store) Remove(prefix, name string) error {
	if err := os.Remove(s.RecordPath(prefix, name)); err != nil {
		return errors.Wrapf(err, errors.ErrRecordWrite,
			"cannot remove link record for %s", name)
	}
	return nil
}
