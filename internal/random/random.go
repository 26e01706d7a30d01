package random

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

// Source is the randomness the game code draws from.
type Source interface {
	Float64() float64
	IntN(n int) int
}

type processSource struct{}

func (processSource) Float64() float64 { return rand.Float64() }
func (processSource) IntN(n int) int   { return rand.IntN(n) }

// Default is the process-wide source. Safe for concurrent use.
func Default() Source { return processSource{} }

// Derive returns a deterministic source keyed by baseSeed and the context
// parts. The same inputs always produce the same sequence.
func Derive(baseSeed string, parts ...string) Source {
	mac := hmac.New(sha512.New, []byte(baseSeed))
	mac.Write([]byte(strings.Join(parts, ":")))
	sum := mac.Sum(nil)
	return rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(sum[0:8]),
		binary.BigEndian.Uint64(sum[8:16]),
	))
}

// SeededIntInclusive draws uniformly from [lo, hi].
func SeededIntInclusive(lo, hi int, baseSeed string, parts ...string) int {
	if hi <= lo {
		return lo
	}
	return lo + Derive(baseSeed, parts...).IntN(hi-lo+1)
}

// SeededWeighted draws from [lo, hi] with weight falling off toward hi:
// round(hi / (r*hi + lo)) for a uniform r.
func SeededWeighted(lo, hi int, baseSeed string, parts ...string) int {
	return Weighted(Derive(baseSeed, parts...), lo, hi)
}

func Weighted(src Source, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	r := src.Float64()
	v := int(math.Round(float64(hi) / (r*float64(hi) + float64(lo))))
	return min(max(v, lo), hi)
}

// Sequence replays fixed values. Float64 and IntN each cycle through their
// own list; IntN results are reduced modulo n.
type Sequence struct {
	mu     sync.Mutex
	Floats []float64
	Ints   []int
	fi, ii int
}

func (s *Sequence) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Floats) == 0 {
		return 0
	}
	v := s.Floats[s.fi%len(s.Floats)]
	s.fi++
	return v
}

func (s *Sequence) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Ints) == 0 || n <= 0 {
		return 0
	}
	v := s.Ints[s.ii%len(s.Ints)]
	s.ii++
	return ((v % n) + n) % n
}
