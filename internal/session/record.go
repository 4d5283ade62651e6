// Package session holds the per-session checkpoint record and the merge
// rules that keep it consistent under concurrent writers.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Stage is the lifecycle stage of a conversion session.
type Stage string

const (
	StageInitialized Stage = "INITIALIZED"
	StageInProgress  Stage = "IN_PROGRESS"
	StageCompleted   Stage = "COMPLETED"
	StageAborted     Stage = "ABORTED"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageInitialized, StageInProgress, StageCompleted, StageAborted:
		return true
	}
	return false
}

// Terminal reports whether the stage ends the session.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageAborted
}

// ChapterMeta describes a produced chapter artifact.
type ChapterMeta struct {
	DurationSeconds float64 `json:"duration"`
	ByteSize        int64   `json:"byte_size"`
	Artifact        string  `json:"artifact,omitempty"`
}

// Record is the checkpoint record of one session.
// Completed and Failed are sorted and always disjoint.
type Record struct {
	SessionID       string              `json:"session_id"`
	Stage           Stage               `json:"stage"`
	TotalChapters   int                 `json:"total_chapters"`
	StartedAt       time.Time           `json:"started_at"`
	LastUpdateAt    time.Time           `json:"last_update_at"`
	Completed       []int               `json:"completed"`
	Failed          []int               `json:"failed"`
	Errors          map[int]string      `json:"errors,omitempty"`
	InProgress      map[int]string      `json:"in_progress,omitempty"`
	ChapterMetadata map[int]ChapterMeta `json:"chapter_metadata,omitempty"`
}

// New returns an empty record for the session.
func New(sessionID string) *Record {
	return &Record{
		SessionID: sessionID,
		Stage:     StageInitialized,
		Completed: []int{},
		Failed:    []int{},
	}
}

// ErrInvalidID is returned for a session id that is not safe to embed in
// store keys and file names.
var ErrInvalidID = errors.New("invalid session id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID accepts letters, digits, '.', '_' and '-', starting with a
// letter or digit. Ids never contain ':' or path separators.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// NewID generates a session id.
func NewID() string {
	return uuid.NewString()
}

// Exists reports whether the record has ever been saved.
func (r *Record) Exists() bool {
	return !r.StartedAt.IsZero()
}

// IsCompleted reports whether the chapter is in the completed set.
func (r *Record) IsCompleted(chapter int) bool {
	_, ok := slices.BinarySearch(r.Completed, chapter)
	return ok
}

// IsFailed reports whether the chapter is in the failed set.
func (r *Record) IsFailed(chapter int) bool {
	_, ok := slices.BinarySearch(r.Failed, chapter)
	return ok
}

// Pending returns {1..total} minus the completed set, ascending.
func (r *Record) Pending(total int) []int {
	pending := make([]int, 0, total)
	for id := 1; id <= total; id++ {
		if !r.IsCompleted(id) {
			pending = append(pending, id)
		}
	}
	return pending
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Completed = slices.Clone(r.Completed)
	c.Failed = slices.Clone(r.Failed)
	c.Errors = cloneMap(r.Errors)
	c.InProgress = cloneMap(r.InProgress)
	c.ChapterMetadata = cloneMap(r.ChapterMetadata)
	if c.Completed == nil {
		c.Completed = []int{}
	}
	if c.Failed == nil {
		c.Failed = []int{}
	}
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func insertSorted(set []int, v int) []int {
	i, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, i, v)
}

func removeSorted(set []int, v int) []int {
	i, found := slices.BinarySearch(set, v)
	if !found {
		return set
	}
	return slices.Delete(set, i, i+1)
}
