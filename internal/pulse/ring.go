package pulse

// snapshotRing is a fixed-capacity ring buffer of BrainSnapshots.
// Oldest entries are evicted first; length never exceeds capacity.
// Not safe for concurrent use, the heartbeat serializes access.
type snapshotRing struct {
	buf  []BrainSnapshot
	head int // index of the oldest entry
	size int
}

func newSnapshotRing(capacity int) *snapshotRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &snapshotRing{buf: make([]BrainSnapshot, capacity)}
}

func (r *snapshotRing) append(s BrainSnapshot) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *snapshotRing) len() int { return r.size }

// last returns the most recently appended snapshot.
func (r *snapshotRing) last() (BrainSnapshot, bool) {
	if r.size == 0 {
		return BrainSnapshot{}, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

// history returns up to lastN snapshots ordered oldest to newest.
func (r *snapshotRing) history(lastN int) []BrainSnapshot {
	if lastN <= 0 || lastN > r.size {
		lastN = r.size
	}
	out := make([]BrainSnapshot, 0, lastN)
	start := r.size - lastN
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
