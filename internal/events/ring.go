package events

// ring is a fixed-capacity buffer of the most recent events in seq order.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// oldest returns the smallest retained seq, or 0 when empty.
func (r *ring) oldest() int64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.start].Seq
}

// after returns retained events with seq > afterSeq, oldest first.
func (r *ring) after(afterSeq int64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

func (r *ring) len() int {
	return r.count
}
