package eod

import (
	"time"

	"broker-bridge/internal/interfaces"
)

// DefaultClose is 15:40 IST, ten minutes after the NSE close, in UTC.
const DefaultClose = 10*time.Hour + 10*time.Minute

// NewSummarizer reads fills journalled under dir. closeAt is the offset
// from UTC midnight after which the day is summarized; zero means
// DefaultClose.
func NewSummarizer(dir string, closeAt time.Duration) interfaces.EodSummarizer {
	return newSummarizer(dir, closeAt)
}
