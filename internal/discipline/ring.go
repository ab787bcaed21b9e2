package discipline

// ring is a fixed-size history that keeps a running sum.
type ring struct {
	buf  []int64
	head int
	n    int
	sum  int64
}

func newRing(size int) *ring {
	return &ring{buf: make([]int64, size)}
}

func (r *ring) reset() {
	r.head, r.n, r.sum = 0, 0, 0
}

func (r *ring) full() bool { return r.n == len(r.buf) }

// push stores v, evicting the oldest sample when full.
func (r *ring) push(v int64) {
	if r.full() {
		r.sum -= r.buf[r.head]
	} else {
		r.n++
	}
	r.buf[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % len(r.buf)
}

// oldest returns the earliest retained sample.
func (r *ring) oldest() int64 {
	if r.n == 0 {
		return 0
	}
	if r.full() {
		return r.buf[r.head]
	}
	return r.buf[0]
}

// values returns the samples oldest first.
func (r *ring) values() []int64 {
	out := make([]int64, 0, r.n)
	start := 0
	if r.full() {
		start = r.head
	}
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
