package detector

import (
	"github.com/loykin/dapvisor/internal/pidfile"
)

// startSkew is how far a start time read now may drift from the recorded one.
// The Linux value is derived from /proc/stat btime, which moves by a second
// when the wall clock is adjusted.
const startSkew int64 = 1

// RecordAlive reports whether the process named by rec is still the one that was
// spawned. A live PID whose start time differs from the recorded one by more
// than startSkew was reused by an unrelated process and counts as dead.
func RecordAlive(rec pidfile.Record) bool {
	if rec.PID <= 0 {
		return false
	}
	if !PIDAlive(rec.PID) {
		return false
	}
	if rec.Meta.StartUnix > 0 {
		cur := ProcStartUnix(rec.PID)
		if cur > 0 && !sameStart(cur, rec.Meta.StartUnix) {
			return false
		}
	}
	return true
}

func sameStart(a, b int64) bool {
	d := a - b
	return d >= -startSkew && d <= startSkew
}
