package random

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("seed", "game", "42")
	b := Derive("seed", "game", "42")
	for range 10 {
		assert.Equal(t, a.Float64(), b.Float64())
	}
}

func TestDeriveDependsOnEveryInput(t *testing.T) {
	base := Derive("seed", "game-1").Float64()
	assert.NotEqual(t, base, Derive("other", "game-1").Float64())
	assert.NotEqual(t, base, Derive("seed", "game-2").Float64())
}

func TestSeededIntInclusiveStaysInRange(t *testing.T) {
	for i := range 200 {
		v := SeededIntInclusive(1, 100, "seed", "alice", string(rune('a'+i%26)), string(rune(i)))
		assert.GreaterOrEqual(t, v, 1)
		assert.LessOrEqual(t, v, 100)
	}
	assert.Equal(t, 7, SeededIntInclusive(7, 7, "seed"))
}

func TestWeighted(t *testing.T) {
	tests := []struct {
		r    float64
		want int
	}{
		{r: 0, want: 5},
		{r: 0.1, want: 3},
		{r: 0.5, want: 1},
		{r: 0.999, want: 1},
	}
	for _, tc := range tests {
		got := Weighted(&Sequence{Floats: []float64{tc.r}}, 1, 5)
		assert.Equal(t, tc.want, got, "r=%v", tc.r)
	}
}

func TestSequenceCycles(t *testing.T) {
	s := &Sequence{Floats: []float64{0.1, 0.9}, Ints: []int{3, -1}}
	assert.Equal(t, 0.1, s.Float64())
	assert.Equal(t, 0.9, s.Float64())
	assert.Equal(t, 0.1, s.Float64())
	assert.Equal(t, 1, s.IntN(2))
	assert.Equal(t, 1, s.IntN(2))
}
