package eod

import (
	"path/filepath"
	"time"
)

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// fillFile is the journal file for the day; older days may be gzipped.
func (s *Summarizer) fillFile(t time.Time) string {
	return filepath.Join(s.dir, dayKey(t)+".txt")
}

func (s *Summarizer) csvPath(t time.Time) string {
	return filepath.Join(s.dir, "eod", dayKey(t)+".csv")
}

// closeTime is the summary cutoff on t's UTC day.
func (s *Summarizer) closeTime(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(s.closeAt)
}
