package collision

import (
	"github.com/elliotchance/orderedmap/v2"
)

// Defaults for SeenWindow bounds.
const (
	DefaultSeenEntries  = 1024
	DefaultSeenAgeTicks = 600
)

// SeenWindow remembers which event ids were applied. Entries are evicted
// oldest first once the window exceeds MaxEntries or an entry is older than
// MaxAgeTicks; every id at or below the highest evicted id counts as seen.
type SeenWindow struct {
	MaxEntries  int
	MaxAgeTicks uint64

	session   string
	entries   *orderedmap.OrderedMap[uint64, uint64]
	watermark uint64
}

// NewSeenWindow constructs a window with the given bounds. Non-positive
// bounds select the defaults.
func NewSeenWindow(maxEntries int, maxAgeTicks uint64) *SeenWindow {
	if maxEntries <= 0 {
		maxEntries = DefaultSeenEntries
	}
	if maxAgeTicks == 0 {
		maxAgeTicks = DefaultSeenAgeTicks
	}
	return &SeenWindow{
		MaxEntries:  maxEntries,
		MaxAgeTicks: maxAgeTicks,
		entries:     orderedmap.NewOrderedMap[uint64, uint64](),
	}
}

// Session returns the session the window currently tracks.
func (w *SeenWindow) Session() string { return w.session }

// Reset forgets every id and adopts session.
func (w *SeenWindow) Reset(session string) {
	w.session = session
	w.entries = orderedmap.NewOrderedMap[uint64, uint64]()
	w.watermark = 0
}

// Seen reports whether id was already recorded.
func (w *SeenWindow) Seen(id uint64) bool {
	if id <= w.watermark {
		return true
	}
	_, ok := w.entries.Get(id)
	return ok
}

// Record marks id as applied at tick and evicts whatever falls outside the
// window.
func (w *SeenWindow) Record(id, tick uint64) {
	w.entries.Set(id, tick)
	for w.entries.Len() > w.MaxEntries {
		w.evictFront()
	}
	for front := w.entries.Front(); front != nil && tick > front.Value && tick-front.Value > w.MaxAgeTicks; front = w.entries.Front() {
		w.evictFront()
	}
}

// Len returns the number of ids held explicitly.
func (w *SeenWindow) Len() int { return w.entries.Len() }

// Watermark returns the highest evicted id.
func (w *SeenWindow) Watermark() uint64 { return w.watermark }

func (w *SeenWindow) evictFront() {
	front := w.entries.Front()
	if front == nil {
		return
	}
	w.watermark = max(w.watermark, front.Key)
	w.entries.Delete(front.Key)
}
