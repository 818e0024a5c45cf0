// Package state persists the last address known to have been published for
// a DNS name, one JSON file per name.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"github.com/uintptr/udyndns/internal/address"
)

type State struct {
	LastKnownAddress *string `json:"ip"`
}

// CorruptError is returned when a state file exists but can't be used.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %s", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// ReadError is returned when a state file exists but couldn't be read, for
// instance because of its permissions.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("couldn't read state file %s: %s", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// PersistError is returned when a new state could not be written. The
// previously committed state is still in place.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("couldn't persist state to %s: %s", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path is the state file for name. A trailing dot doesn't change the file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, strings.TrimSuffix(name, ".")+".json")
}

// Load returns the persisted state for name, or an empty state if there is
// none yet. A file that can't be read is a *ReadError, one that can't be
// parsed a *CorruptError.
func (s *Store) Load(name string) (State, error) {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, &ReadError{Path: path, Err: err}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, &CorruptError{Path: path, Err: err}
	}
	return state, nil
}

// Commit records candidate as the last published address for name. The file
// is replaced atomically so a failed write never leaves a truncated state
// behind.
func (s *Store) Commit(name string, candidate address.Candidate) error {
	path := s.Path(name)
	data, err := json.Marshal(State{LastKnownAddress: &candidate.Address})
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	return nil
}

// Changed reports whether candidate differs from the last published address.
func Changed(state State, candidate address.Candidate) bool {
	if state.LastKnownAddress == nil {
		return true
	}
	return *state.LastKnownAddress != candidate.Address
}
