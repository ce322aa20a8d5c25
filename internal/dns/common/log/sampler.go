package log

import "math/rand/v2"

// Sampler forwards a fixed percentage of request log lines to a Logger.
type Sampler struct {
	logger  Logger
	percent float64
	rand    func() float64
}

// NewSampler returns a Sampler passing roughly percent% of lines to l.
// A percent of zero disables the request log entirely.
func NewSampler(l Logger, percent float64) *Sampler {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Sampler{logger: l, percent: percent, rand: rand.Float64}
}

// Sample reports whether the next line should be written.
// Callers check it before building the field map.
func (s *Sampler) Sample() bool {
	if s == nil || s.percent == 0 {
		return false
	}
	if s.percent >= 100 {
		return true
	}
	return s.rand()*100 < s.percent
}

// Log writes one request line at info level.
func (s *Sampler) Log(fields map[string]any) {
	s.logger.Info(fields, "request")
}
