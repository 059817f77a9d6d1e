package bars

import (
	"sync"

	"broker-bridge/internal/types"
)

// History keeps the most recent sealed bars per instrument in a bounded buffer.
type History struct {
	buffers map[string][]types.Bar
	maxSize int
	mu      sync.RWMutex
}

// NewHistory creates a history holding up to maxSize bars per instrument.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &History{
		buffers: make(map[string][]types.Bar),
		maxSize: maxSize,
	}
}

// Add appends a sealed bar, evicting the oldest one when full.
func (h *History) Add(bar types.Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := append(h.buffers[bar.Symbol], bar)
	if len(buf) > h.maxSize {
		buf = buf[len(buf)-h.maxSize:]
	}
	h.buffers[bar.Symbol] = buf
}

// Recent returns a copy of the last n bars for symbol, oldest first.
func (h *History) Recent(symbol string, n int) []types.Bar {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := h.buffers[symbol]
	if n <= 0 || n > len(buf) {
		n = len(buf)
	}
	out := make([]types.Bar, n)
	copy(out, buf[len(buf)-n:])
	return out
}

// Last returns the most recent bar for symbol.
func (h *History) Last(symbol string) (types.Bar, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := h.buffers[symbol]
	if len(buf) == 0 {
		return types.Bar{}, false
	}
	return buf[len(buf)-1], true
}
