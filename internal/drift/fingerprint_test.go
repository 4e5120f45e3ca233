package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	lines := []string{"reviewing pull request", "running tests", "done"}
	assert.Equal(t, NewFingerprint(lines), NewFingerprint(lines))
}

func TestFingerprintDistanceBounds(t *testing.T) {
	a := NewFingerprint([]string{"alpha beta gamma delta"})
	b := NewFingerprint([]string{"totally different words here entirely"})

	d := a.Distance(b)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.LessOrEqual(t, d, 1.0)
}

func TestFingerprintIdenticalInputZeroDistance(t *testing.T) {
	a := NewFingerprint([]string{"same content every time"})
	assert.InDelta(t, 0.0, a.Distance(a), 1e-9)
}

func TestFingerprintZeroHasNoDistance(t *testing.T) {
	var zero Fingerprint
	a := NewFingerprint([]string{"something"})

	// Missing signal never penalizes the score.
	assert.Equal(t, 0.0, zero.Distance(a))
	assert.Equal(t, 0.0, a.Distance(zero))
	assert.True(t, zero.IsZero())
	assert.False(t, a.IsZero())
}

func TestFingerprintSimilarCapturesAreClose(t *testing.T) {
	a := NewFingerprint([]string{"running test suite", "all tests passed", "> "})
	b := NewFingerprint([]string{"running test suite", "all tests passed again", "> "})
	c := NewFingerprint([]string{"Traceback (most recent call last)", "KeyError: 'x'"})

	assert.Less(t, a.Distance(b), a.Distance(c))
}

func TestFingerprintEncodeDecodeRoundTrip(t *testing.T) {
	a := NewFingerprint([]string{"encode me please"})
	decoded := DecodeFingerprint(a.Encode())
	require.Equal(t, a, decoded)

	assert.True(t, DecodeFingerprint("").IsZero())
	assert.True(t, DecodeFingerprint("not json").IsZero())
}
