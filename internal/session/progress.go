package session

import "time"

// Progress is a read-only view over a Record.
type Progress struct {
	SessionID  string   `json:"session_id" yaml:"session_id"`
	Stage      Stage    `json:"stage" yaml:"stage"`
	Total      int      `json:"total" yaml:"total"`
	Completed  int      `json:"completed" yaml:"completed"`
	Failed     int      `json:"failed" yaml:"failed"`
	InProgress int      `json:"in_progress" yaml:"in_progress"`
	Percent    float64  `json:"percent" yaml:"percent"`
	ETASeconds *float64 `json:"eta_seconds,omitempty" yaml:"eta_seconds,omitempty"`
}

// ETA returns the estimated remaining time, if known.
func (p Progress) ETA() (time.Duration, bool) {
	if p.ETASeconds == nil {
		return 0, false
	}
	return time.Duration(*p.ETASeconds * float64(time.Second)), true
}

// Progress derives the progress view at time now. The ETA is
// elapsed / completed * (total - completed) and stays unset until at least
// one chapter has completed.
func (r *Record) Progress(now time.Time) Progress {
	p := Progress{
		SessionID:  r.SessionID,
		Stage:      r.Stage,
		Total:      r.TotalChapters,
		Completed:  len(r.Completed),
		Failed:     len(r.Failed),
		InProgress: len(r.InProgress),
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) * 100 / float64(p.Total)
	}
	if p.Completed > 0 && !r.StartedAt.IsZero() {
		elapsed := now.Sub(r.StartedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		remaining := p.Total - p.Completed
		if remaining < 0 {
			remaining = 0
		}
		eta := elapsed / float64(p.Completed) * float64(remaining)
		p.ETASeconds = &eta
	}
	return p
}
