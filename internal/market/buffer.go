package market

import (
	"errors"
	"sort"
	"sync"
)

// ErrOutOfOrder is returned when a bar older than the buffer tail arrives.
var ErrOutOfOrder = errors.New("market: bar open_time older than buffer tail")

// Buffer is a bounded, ordered run of bars for one interval. Open times are
// strictly increasing and only the tail entry may be un-closed. Buffer is
// not safe for concurrent use; Manager adds locking on top.
type Buffer struct {
	capacity int
	bars     []Bar
}

// NewBuffer returns an empty buffer holding at most capacity bars.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{capacity: capacity, bars: make([]Bar, 0, capacity)}
}

// AppendOrReplaceLast applies a bar update. An update for the tail's open
// time replaces the tail; a newer open time appends (evicting from the head
// when over capacity) and freezes the previous tail; anything older is
// rejected.
func (b *Buffer) AppendOrReplaceLast(bar Bar) error {
	n := len(b.bars)
	if n == 0 {
		b.bars = append(b.bars, bar)
		return nil
	}
	tail := &b.bars[n-1]
	switch {
	case bar.OpenTime == tail.OpenTime:
		*tail = bar
		return nil
	case bar.OpenTime > tail.OpenTime:
		// A commit for the tail may have been missed; freeze it so only
		// the new tail can be open.
		tail.Closed = true
		b.bars = append(b.bars, bar)
		if len(b.bars) > b.capacity {
			b.bars = b.bars[1:]
		}
		return nil
	default:
		return ErrOutOfOrder
	}
}

// Len returns the number of bars held.
func (b *Buffer) Len() int { return len(b.bars) }

// Last returns the tail bar.
func (b *Buffer) Last() (Bar, bool) {
	if len(b.bars) == 0 {
		return Bar{}, false
	}
	return b.bars[len(b.bars)-1], true
}

// LastClosed returns up to n most recent closed bars in chronological order.
func (b *Buffer) LastClosed(n int) []Bar {
	end := len(b.bars)
	if end > 0 && !b.bars[end-1].Closed {
		end--
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start)
	copy(out, b.bars[start:end])
	return out
}

// Get looks up a bar by open time.
func (b *Buffer) Get(openTime int64) (Bar, bool) {
	i := sort.Search(len(b.bars), func(i int) bool {
		return b.bars[i].OpenTime >= openTime
	})
	if i < len(b.bars) && b.bars[i].OpenTime == openTime {
		return b.bars[i], true
	}
	return Bar{}, false
}

// Snapshot returns up to n most recent bars (closed or not) in
// chronological order.
func (b *Buffer) Snapshot(n int) []Bar {
	start := len(b.bars) - n
	if start < 0 {
		start = 0
	}
	out := make([]Bar, len(b.bars)-start)
	copy(out, b.bars[start:])
	return out
}

// Manager holds one buffer per interval behind a read/write lock so API
// readers can take snapshots while the dispatcher updates.
type Manager struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// NewManager creates buffers for the given intervals, each sized capacity.
func NewManager(intervals []string, capacity int) *Manager {
	m := &Manager{buffers: make(map[string]*Buffer, len(intervals))}
	for _, iv := range intervals {
		m.buffers[iv] = NewBuffer(capacity)
	}
	return m
}

// Apply routes a bar update to its interval buffer.
func (m *Manager) Apply(bar Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[bar.Interval]
	if !ok {
		buf = NewBuffer(1024)
		m.buffers[bar.Interval] = buf
	}
	return buf.AppendOrReplaceLast(bar)
}

// LastClosed returns the last n closed bars for an interval.
func (m *Manager) LastClosed(interval string, n int) []Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if buf, ok := m.buffers[interval]; ok {
		return buf.LastClosed(n)
	}
	return nil
}

// Last returns the tail bar for an interval.
func (m *Manager) Last(interval string) (Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if buf, ok := m.buffers[interval]; ok {
		return buf.Last()
	}
	return Bar{}, false
}

// Snapshot returns the last n bars for an interval.
func (m *Manager) Snapshot(interval string, n int) []Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if buf, ok := m.buffers[interval]; ok {
		return buf.Snapshot(n)
	}
	return nil
}
