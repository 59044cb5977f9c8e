package reconcile

import (
	"sort"

	"github.com/evanharte/playsync/internal/playback"
)

// sortOldestFirst orders sessions by their update timestamp ascending so
// per-book delta math sees positions in chronological order. Sessions
// without a timestamp sort first.
func sortOldestFirst(sessions []playback.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		ti, oki := sessions[i].UpdatedTime()
		tj, okj := sessions[j].UpdatedTime()
		if !oki {
			return okj
		}
		if !okj {
			return false
		}
		return ti.Before(tj)
	})
}

// positionAndDuration normalizes a session's position and duration in
// milliseconds, falling back to the locally recorded book duration when the
// payload carries none
func positionAndDuration(s *playback.Session, bookDurationMs int64) (pos int64, hasPos bool, dur int64, hasDur bool) {
	pos, hasPos = s.PositionMillis()
	dur, hasDur = s.DurationMillis()
	if !hasDur && bookDurationMs > 0 {
		dur = bookDurationMs
		hasDur = true
	}
	return pos, hasPos, dur, hasDur
}

// percentage normalizes the 0..100 completion percentage, preferring an
// explicit payload value over a position/duration ratio
func percentage(s *playback.Session, pos int64, hasPos bool, dur int64, hasDur bool) (float64, bool) {
	if pct, ok := s.Percent(); ok {
		return clampPct(pct), true
	}
	if hasPos && hasDur && dur > 0 {
		return clampPct(float64(pos) / float64(dur) * 100), true
	}
	return 0, false
}

func clampPct(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// minutesListened computes the listening minutes one session contributes.
//
// An explicit listened-time field wins outright, but only when newer is
// true, since explicit time is not derivable from stored state and would
// double-count on replay. Otherwise the position delta against the baseline
// is used: deltas under the noise threshold count as seeks, and any single
// delta is capped at the sanity ceiling. A finished session with no
// derivable delta contributes the full duration once, again gated on newer.
func minutesListened(s *playback.Session, pos int64, hasPos bool, baseline int64, hasBaseline bool,
	dur int64, hasDur bool, finished, newer bool, minDeltaSeconds, maxDeltaMinutes int) float64 {

	if secs, ok := s.ListenedSeconds(); ok {
		if !newer || secs <= 0 {
			return 0
		}
		return secs / 60
	}

	if hasPos && hasBaseline {
		deltaMs := pos - baseline
		if deltaMs <= int64(minDeltaSeconds)*1000 {
			return 0
		}
		minutes := float64(deltaMs) / 60000
		if ceiling := float64(maxDeltaMinutes); minutes > ceiling {
			minutes = ceiling
		}
		return minutes
	}

	if finished && newer && hasDur {
		return float64(dur) / 60000
	}
	return 0
}
