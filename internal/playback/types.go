package playback

import (
	"strings"
	"time"
)

// MediaInfo is the item metadata a session may embed
type MediaInfo struct {
	Title    *string  `json:"title"`
	Author   *string  `json:"author"`
	ISBN     *string  `json:"isbn"`
	ISBN13   *string  `json:"isbn13"`
	ISBN10   *string  `json:"isbn10"`
	Duration *float64 `json:"duration"` // seconds
}

// Session is one playback record for one item for one external user. The
// upstream API guarantees nothing: every field may be absent, so everything
// is a pointer and consumers go through the accessor functions below.
type Session struct {
	ID            *string    `json:"id"`
	ItemID        *string    `json:"itemId"`
	LibraryItemID *string    `json:"libraryItemId"`
	Media         *MediaInfo `json:"mediaMetadata"`

	// Position, in one of several shapes
	PositionMs  *int64   `json:"positionMs"`
	CurrentTime *float64 `json:"currentTime"` // seconds

	// Duration, likewise
	DurationMs *int64   `json:"durationMs"`
	Duration   *float64 `json:"duration"` // seconds

	// Fraction listened, 0..1
	Progress *float64 `json:"progress"`

	// Explicit listened time for this session, seconds
	TimeListening *float64 `json:"timeListening"`

	// Finished signals, loosely shaped upstream
	IsFinished  *bool   `json:"isFinished"`
	Finished    *bool   `json:"finished"`
	FinishedAt  *int64  `json:"finishedAt"`  // epoch ms
	CompletedAt *int64  `json:"completedAt"` // epoch ms
	Status      *string `json:"status"`

	StartedAt  *int64 `json:"startedAt"`  // epoch ms
	UpdatedAt  *int64 `json:"updatedAt"`  // epoch ms
	LastUpdate *int64 `json:"lastUpdate"` // epoch ms
}

// ItemDetail is the full metadata for one item, fetched on demand when a
// session carries only a bare identifier
type ItemDetail struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Author     string  `json:"author"`
	ISBN13     string  `json:"isbn13"`
	ISBN10     string  `json:"isbn10"`
	DurationMs int64   `json:"durationMs"`
	Duration   float64 `json:"duration"` // seconds, when durationMs absent
}

// SessionPage is one page of sessions for a user
type SessionPage struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}

// UserInfo identifies the external user the configured token belongs to
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ItemRef is what a session tells us about the item it belongs to. The
// resolver matches it against the local catalog.
type ItemRef struct {
	ExternalID string
	ISBN13     string
	ISBN10     string
	Title      string
	Author     string
}

// Bare reports whether the reference carries nothing beyond an identifier
func (r ItemRef) Bare() bool {
	return r.ISBN13 == "" && r.ISBN10 == "" && r.Title == ""
}

// Ref builds the item reference for a session
func (s *Session) Ref() ItemRef {
	ref := ItemRef{}
	if s.ItemID != nil {
		ref.ExternalID = *s.ItemID
	} else if s.LibraryItemID != nil {
		ref.ExternalID = *s.LibraryItemID
	}
	if s.Media != nil {
		if s.Media.Title != nil {
			ref.Title = *s.Media.Title
		}
		if s.Media.Author != nil {
			ref.Author = *s.Media.Author
		}
		if s.Media.ISBN13 != nil {
			ref.ISBN13 = *s.Media.ISBN13
		}
		if s.Media.ISBN10 != nil {
			ref.ISBN10 = *s.Media.ISBN10
		}
		if ref.ISBN13 == "" && s.Media.ISBN != nil {
			isbn := *s.Media.ISBN
			if len(isbn) == 10 {
				ref.ISBN10 = isbn
			} else {
				ref.ISBN13 = isbn
			}
		}
	}
	return ref
}

// PositionMillis returns the playback position in milliseconds, preferring
// an explicit millisecond field over a second-resolution one
func (s *Session) PositionMillis() (int64, bool) {
	if s.PositionMs != nil {
		return *s.PositionMs, true
	}
	if s.CurrentTime != nil {
		return int64(*s.CurrentTime * 1000), true
	}
	return 0, false
}

// DurationMillis returns the item duration in milliseconds, falling through
// the same millisecond/second chain plus embedded metadata
func (s *Session) DurationMillis() (int64, bool) {
	if s.DurationMs != nil {
		return *s.DurationMs, true
	}
	if s.Duration != nil {
		return int64(*s.Duration * 1000), true
	}
	if s.Media != nil && s.Media.Duration != nil {
		return int64(*s.Media.Duration * 1000), true
	}
	return 0, false
}

// Percent returns the explicit progress percentage (0..100) when the payload
// carries one
func (s *Session) Percent() (float64, bool) {
	if s.Progress == nil {
		return 0, false
	}
	return *s.Progress * 100, true
}

// ListenedSeconds returns the explicit listened-time field when present
func (s *Session) ListenedSeconds() (float64, bool) {
	if s.TimeListening == nil {
		return 0, false
	}
	return *s.TimeListening, true
}

// UpdatedTime returns the session's last-update timestamp
func (s *Session) UpdatedTime() (time.Time, bool) {
	if s.UpdatedAt != nil {
		return time.UnixMilli(*s.UpdatedAt), true
	}
	if s.LastUpdate != nil {
		return time.UnixMilli(*s.LastUpdate), true
	}
	return time.Time{}, false
}

// Sparse reports whether the session is a stub carrying no usable position
// or progress data, requiring a per-item snapshot fetch
func (s *Session) Sparse() bool {
	if _, ok := s.PositionMillis(); ok {
		return false
	}
	if _, ok := s.Percent(); ok {
		return false
	}
	if _, ok := s.ListenedSeconds(); ok {
		return false
	}
	if finished, _, _ := hasExplicitFinishedSignal(s, nil); finished {
		return false
	}
	return true
}

// FinishedDetector decides whether a session explicitly marks its item as
// finished. Only explicit signals count; percentage or position reaching the
// duration never implies completion. The status strings treated as finished
// are configurable because the upstream schema is not stable.
type FinishedDetector struct {
	statuses map[string]struct{}
}

// NewFinishedDetector creates a detector accepting the given finished-like
// status strings (case-insensitive)
func NewFinishedDetector(statuses []string) *FinishedDetector {
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return &FinishedDetector{statuses: set}
}

// Detect returns whether the session carries an explicit finished signal and,
// when it does, the best completion timestamp available
func (d *FinishedDetector) Detect(s *Session) (bool, time.Time, bool) {
	return hasExplicitFinishedSignal(s, d.statuses)
}

// hasExplicitFinishedSignal walks the ordered signal chain: boolean flags,
// then completion timestamps, then status strings
func hasExplicitFinishedSignal(s *Session, statuses map[string]struct{}) (bool, time.Time, bool) {
	if s.IsFinished != nil && *s.IsFinished {
		at, ok := finishedTimestamp(s)
		return true, at, ok
	}
	if s.Finished != nil && *s.Finished {
		at, ok := finishedTimestamp(s)
		return true, at, ok
	}
	if s.FinishedAt != nil && *s.FinishedAt > 0 {
		return true, time.UnixMilli(*s.FinishedAt), true
	}
	if s.CompletedAt != nil && *s.CompletedAt > 0 {
		return true, time.UnixMilli(*s.CompletedAt), true
	}
	if s.Status != nil && statuses != nil {
		if _, ok := statuses[strings.ToLower(strings.TrimSpace(*s.Status))]; ok {
			at, hasAt := finishedTimestamp(s)
			return true, at, hasAt
		}
	}
	return false, time.Time{}, false
}

func finishedTimestamp(s *Session) (time.Time, bool) {
	if s.FinishedAt != nil && *s.FinishedAt > 0 {
		return time.UnixMilli(*s.FinishedAt), true
	}
	if s.CompletedAt != nil && *s.CompletedAt > 0 {
		return time.UnixMilli(*s.CompletedAt), true
	}
	return s.UpdatedTime()
}
