package resample

// Resampler converts a stream of mono float32 samples between two fixed
// sample rates using linear interpolation. The read position is tracked
// in integer arithmetic, an index plus a fractional numerator over the
// reduced output rate, so the interpolation points are the same no matter
// how the stream is chunked. Only the final sample of the previous chunk
// is carried between Process calls.
type Resampler struct {
	from int
	to   int

	// step per output sample is stepNum/den source samples, fully reduced
	stepNum int
	den     int

	idx  int     // integer read position in the virtual input, index 0 is the carried sample
	num  int     // fractional phase numerator, 0 <= num < den
	last float32 // final sample of the previous chunk
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// New creates a converter from rate `from` to rate `to` (both in Hz).
func New(from, to int) *Resampler {
	g := gcd(from, to)
	return &Resampler{
		from:    from,
		to:      to,
		stepNum: from / g,
		den:     to / g,
		// start at the first real sample, not the carried one
		idx: 1,
	}
}

// Process resamples one chunk. The identity case returns the input slice
// unchanged. An empty chunk produces an empty chunk; no lookahead beyond
// the current chunk is ever required, and concatenated chunked output is
// bit-identical to processing the whole stream at once.
func (r *Resampler) Process(in []float32) []float32 {
	if r.from == r.to {
		return in
	}
	if len(in) == 0 {
		return nil
	}

	out := make([]float32, 0, len(in)*r.den/r.stepNum+2)
	// virtual input v: v[0] = r.last, v[j] = in[j-1]
	for r.idx < len(in) {
		var s0 float32
		if r.idx == 0 {
			s0 = r.last
		} else {
			s0 = in[r.idx-1]
		}
		s1 := in[r.idx]
		frac := float32(r.num) / float32(r.den)
		out = append(out, s0+(s1-s0)*frac)

		r.num += r.stepNum
		r.idx += r.num / r.den
		r.num %= r.den
	}

	// the last sample becomes virtual index 0 of the next chunk; the
	// fractional phase carries over untouched
	r.last = in[len(in)-1]
	r.idx -= len(in)
	return out
}
