package session

import (
	"slices"
	"time"
)

// Patch is a partial update merged into a Record.
// Scalar fields overwrite when set; set and map fields are unioned.
type Patch struct {
	// Stage overwrites the stage unless the record is already terminal.
	Stage Stage
	// TotalChapters overwrites when positive.
	TotalChapters int

	Completed  []int
	Failed     map[int]string
	InProgress map[int]string
	// Settled drops chapters from InProgress without touching other sets.
	Settled  []int
	Metadata map[int]ChapterMeta

	// Reset discards all chapter state and restarts the session clock.
	Reset bool
	// Reopen lets Stage leave a terminal stage (resuming an aborted session).
	Reopen bool
}

// Apply merges p into r. Completed dominates failed: a chapter that is, or
// becomes, completed is never listed as failed or in progress afterwards.
func (r *Record) Apply(p Patch, now time.Time) {
	if p.Reset {
		r.Completed = []int{}
		r.Failed = []int{}
		r.Errors = nil
		r.InProgress = nil
		r.ChapterMetadata = nil
		r.Stage = StageInitialized
		r.StartedAt = now
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.Completed == nil {
		r.Completed = []int{}
	}
	if r.Failed == nil {
		r.Failed = []int{}
	}

	if p.Stage != "" && (p.Reopen || p.Reset || r.allowsStage(p.Stage)) {
		r.Stage = p.Stage
	}
	if p.TotalChapters > 0 {
		r.TotalChapters = p.TotalChapters
	}

	for _, id := range p.Completed {
		r.Completed = insertSorted(r.Completed, id)
		r.Failed = removeSorted(r.Failed, id)
		delete(r.Errors, id)
		delete(r.InProgress, id)
	}

	for _, id := range sortedKeys(p.Failed) {
		if r.IsCompleted(id) {
			continue
		}
		r.Failed = insertSorted(r.Failed, id)
		if r.Errors == nil {
			r.Errors = make(map[int]string)
		}
		r.Errors[id] = p.Failed[id]
		delete(r.InProgress, id)
	}

	for _, id := range p.Settled {
		delete(r.InProgress, id)
	}

	for id, worker := range p.InProgress {
		if r.IsCompleted(id) {
			continue
		}
		if r.InProgress == nil {
			r.InProgress = make(map[int]string)
		}
		r.InProgress[id] = worker
	}

	for id, meta := range p.Metadata {
		if !r.IsCompleted(id) {
			continue
		}
		if r.ChapterMetadata == nil {
			r.ChapterMetadata = make(map[int]ChapterMeta)
		}
		r.ChapterMetadata[id] = meta
	}

	r.LastUpdateAt = now
}

// allowsStage keeps COMPLETED and ABORTED sticky. ABORTED may still replace
// COMPLETED so an operator can always stop a session.
func (r *Record) allowsStage(next Stage) bool {
	if !r.Stage.Terminal() {
		return true
	}
	return next == StageAborted
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
