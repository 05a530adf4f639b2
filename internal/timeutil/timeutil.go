// Package timeutil canonicalizes timestamps and computes durations that
// survive clock skew, midnight crossover, and DST transitions.
package timeutil

import (
	"fmt"
	"sort"
	"time"
)

// Default thresholds used by NewCalculator.
const (
	DefaultMaxReasonable      = 18 * time.Hour
	DefaultClockSyncTolerance = 5 * time.Minute
	DefaultMinDuration        = time.Minute

	// graceBoundarySlack is how close to the grace deadline an arrival can
	// land and still count as on time.
	graceBoundarySlack = 30 * time.Second

	futureSkewTolerance = 5 * time.Minute
	rapidPairThreshold  = time.Second
	largeGapThreshold   = time.Hour
)

// Correction names recorded in Duration.CorrectionsApplied.
const (
	CorrectionClockSync        = "clock_sync_correction"
	CorrectionMidnightBoundary = "midnight_boundary_correction"
	CorrectionMinimumDuration  = "minimum_duration_correction"
	CorrectionExtremeFlagged   = "extreme_duration_flagged"
)

// Normalize converts t to the canonical naive-UTC frame. Zone-aware inputs
// are converted to UTC; zero values pass through untouched so the caller
// can surface the problem instead of crashing on it.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// Duration is the result of a SafeDuration computation.
type Duration struct {
	Seconds            int
	Minutes            int
	TimeIn             time.Time
	TimeOut            time.Time
	CrossesMidnight    bool
	DateSpanDays       int
	CorrectionsApplied []string
	Warnings           []string
	Reasonable         bool
}

// Calculator computes durations with configurable sanity thresholds.
type Calculator struct {
	MaxReasonable      time.Duration
	ClockSyncTolerance time.Duration
	MinDuration        time.Duration
}

// NewCalculator returns a Calculator with the default thresholds.
func NewCalculator() Calculator {
	return Calculator{
		MaxReasonable:      DefaultMaxReasonable,
		ClockSyncTolerance: DefaultClockSyncTolerance,
		MinDuration:        DefaultMinDuration,
	}
}

// SafeDuration computes end-start with negative-delta correction, extreme
// and sub-minute flagging, and midnight-crossover analysis. It never fails;
// problems come back as corrections and warnings.
func (c Calculator) SafeDuration(start, end time.Time) Duration {
	start = Normalize(start)
	end = Normalize(end)

	d := Duration{TimeIn: start, TimeOut: end, Reasonable: true}

	if end.Before(start) {
		d.Warnings = append(d.Warnings, fmt.Sprintf("negative duration detected: %s", end.Sub(start)))
		switch {
		case start.Sub(end) <= c.ClockSyncTolerance:
			// Close enough to be scanner clock noise.
			end = start.Add(c.MinDuration)
			d.CorrectionsApplied = append(d.CorrectionsApplied, CorrectionClockSync)
			d.Warnings = append(d.Warnings, "applied clock synchronization correction")
		case !sameDate(start, end):
			end = end.Add(24 * time.Hour)
			d.CorrectionsApplied = append(d.CorrectionsApplied, CorrectionMidnightBoundary)
			d.Warnings = append(d.Warnings, "applied midnight boundary correction")
		default:
			end = start.Add(c.MinDuration)
			d.CorrectionsApplied = append(d.CorrectionsApplied, CorrectionMinimumDuration)
			d.Warnings = append(d.Warnings, "unexplained negative duration, applied minimum duration correction")
		}
		d.TimeOut = end
	}

	elapsed := end.Sub(start)
	if elapsed < c.MinDuration {
		d.Warnings = append(d.Warnings, fmt.Sprintf("very short duration: %d seconds", int(elapsed.Seconds())))
	}
	if elapsed > c.MaxReasonable {
		d.Reasonable = false
		d.CorrectionsApplied = append(d.CorrectionsApplied, CorrectionExtremeFlagged)
		d.Warnings = append(d.Warnings, fmt.Sprintf("extremely long duration: %.1f hours", elapsed.Hours()))
	}

	d.CrossesMidnight = !sameDate(start, end)
	d.DateSpanDays = dateSpanDays(start, end)
	if d.DateSpanDays > 2 {
		d.Warnings = append(d.Warnings, fmt.Sprintf("record spans %d days, possible data error", d.DateSpanDays))
	}

	d.Seconds = int(elapsed.Seconds())
	d.Minutes = d.Seconds / 60
	return d
}

// Lateness describes an arrival relative to a session start and grace window.
type Lateness struct {
	Late            bool
	LatenessMinutes int
	Early           bool
	EarlyMinutes    int
	AtGraceBoundary bool
	GraceEnd        time.Time
}

// LateArrival reports whether arrival is late against sessionStart plus the
// grace window. Lateness is strictly after the grace deadline, so an arrival
// exactly at the deadline is on time. Arrivals within 30 seconds of the
// deadline additionally carry the AtGraceBoundary flag for review.
func LateArrival(sessionStart, arrival time.Time, graceMinutes int) Lateness {
	sessionStart = Normalize(sessionStart)
	arrival = Normalize(arrival)

	graceEnd := sessionStart.Add(time.Duration(graceMinutes) * time.Minute)
	l := Lateness{GraceEnd: graceEnd}

	gap := arrival.Sub(graceEnd)
	if gap < 0 {
		gap = -gap
	}
	l.AtGraceBoundary = gap <= graceBoundarySlack

	if arrival.Before(sessionStart) {
		l.Early = true
		l.EarlyMinutes = int(sessionStart.Sub(arrival).Minutes())
		return l
	}
	if arrival.After(graceEnd) {
		l.Late = true
		l.LatenessMinutes = int(arrival.Sub(graceEnd).Minutes())
	}
	return l
}

// Anomalies summarizes clock issues found across a set of timestamps.
type Anomalies struct {
	HasIssues bool
	Issues    []string
}

// DetectClockAnomalies flags timestamp pairs under a second apart, gaps
// over an hour between consecutive events, and timestamps in the future
// relative to now. Diagnostic only, it never blocks anything.
func DetectClockAnomalies(times []time.Time, now time.Time) Anomalies {
	var a Anomalies
	if len(times) < 2 {
		return a
	}

	sorted := make([]time.Time, len(times))
	for i, t := range times {
		sorted[i] = Normalize(t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Sub(sorted[i-1])
		if gap < rapidPairThreshold {
			a.Issues = append(a.Issues, fmt.Sprintf("extremely rapid scans %v apart", gap))
		}
		if gap > largeGapThreshold {
			a.Issues = append(a.Issues, fmt.Sprintf("large time gap of %.1f hours", gap.Hours()))
		}
	}

	now = Normalize(now)
	future := 0
	for _, t := range sorted {
		if t.After(now.Add(futureSkewTolerance)) {
			future++
		}
	}
	if future > 0 {
		a.Issues = append(a.Issues, fmt.Sprintf("%d timestamps in the future", future))
	}

	a.HasIssues = len(a.Issues) > 0
	return a
}

// SessionTimesReport is the result of ValidateSessionTimes.
type SessionTimesReport struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateSessionTimes sanity-checks a scheduled window before it is saved.
func ValidateSessionTimes(start, end time.Time) SessionTimesReport {
	start = Normalize(start)
	end = Normalize(end)
	r := SessionTimesReport{Valid: true}

	if !end.After(start) {
		r.Valid = false
		r.Errors = append(r.Errors, "end time must be after start time")
		return r
	}

	length := end.Sub(start)
	if length < 30*time.Minute {
		r.Warnings = append(r.Warnings, "session shorter than 30 minutes")
	}
	if length > 12*time.Hour {
		r.Warnings = append(r.Warnings, "session longer than 12 hours")
	}
	if !sameDate(start, end) {
		r.Warnings = append(r.Warnings, "session crosses midnight")
	}
	if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
		r.Warnings = append(r.Warnings, "session scheduled on a weekend")
	}
	if h := start.Hour(); h >= 22 || h <= 5 {
		r.Warnings = append(r.Warnings, "session scheduled late night or early morning")
	}
	return r
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func dateSpanDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}
