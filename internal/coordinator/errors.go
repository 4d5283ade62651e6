package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidChapters means chapter ids are not exactly 1..N.
	ErrInvalidChapters = errors.New("chapter ids must be unique and numbered 1..N")
	// ErrAborted means the session was aborted while waiting.
	ErrAborted = errors.New("session aborted")
	// ErrTimeout means the wait deadline passed with chapters outstanding.
	ErrTimeout = errors.New("timed out waiting for chapters")
)

// ChapterFailureError lists chapters that failed after exhausting retries.
type ChapterFailureError struct {
	Failed []int
	Errors map[int]string
}

func (e *ChapterFailureError) Error() string {
	ids := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%d chapter(s) failed: %s", len(e.Failed), strings.Join(ids, ", "))
}

// Detail renders one line per failed chapter with its last error.
func (e *ChapterFailureError) Detail() string {
	failed := append([]int(nil), e.Failed...)
	sort.Ints(failed)
	var b strings.Builder
	for _, id := range failed {
		fmt.Fprintf(&b, "chapter %d: %s\n", id, e.Errors[id])
	}
	return b.String()
}

// IsChapterFailure extracts a ChapterFailureError from err.
func IsChapterFailure(err error) (*ChapterFailureError, bool) {
	var cf *ChapterFailureError
	ok := errors.As(err, &cf)
	return cf, ok
}
