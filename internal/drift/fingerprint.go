// Package drift maintains per-session stability scores and circuit breakers,
// keeping the fleet self-healing.
package drift

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
)

// fingerprintBuckets is the dimensionality of the behavior fingerprint.
const fingerprintBuckets = 64

// Fingerprint is a deterministic token-frequency vector over a capture:
// lowercased word unigrams hashed into a fixed number of buckets and
// L2-normalized. Cheap, deterministic, and bounded.
type Fingerprint [fingerprintBuckets]float64

// NewFingerprint computes the fingerprint of rendered terminal lines.
func NewFingerprint(lines []string) Fingerprint {
	var fp Fingerprint
	for _, line := range lines {
		for _, token := range strings.Fields(strings.ToLower(line)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(token))
			fp[h.Sum32()%fingerprintBuckets]++
		}
	}
	return fp.normalize()
}

func (f Fingerprint) normalize() Fingerprint {
	var norm float64
	for _, v := range f {
		norm += v * v
	}
	if norm == 0 {
		return f
	}
	norm = math.Sqrt(norm)
	for i := range f {
		f[i] /= norm
	}
	return f
}

// IsZero reports whether the fingerprint carries no signal.
func (f Fingerprint) IsZero() bool {
	for _, v := range f {
		if v != 0 {
			return false
		}
	}
	return true
}

// Add accumulates another fingerprint (used for baseline averaging).
func (f Fingerprint) Add(other Fingerprint) Fingerprint {
	for i := range f {
		f[i] += other[i]
	}
	return f
}

// Distance returns the cosine distance between two fingerprints in [0,1].
// Components are non-negative, so cosine similarity is already in [0,1].
func (f Fingerprint) Distance(other Fingerprint) float64 {
	if f.IsZero() || other.IsZero() {
		return 0
	}
	a := f.normalize()
	b := other.normalize()
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	if dot > 1 {
		dot = 1
	}
	return 1 - dot
}

// Encode serializes the fingerprint for storage in the registry.
func (f Fingerprint) Encode() string {
	raw, _ := json.Marshal(f[:])
	return string(raw)
}

// DecodeFingerprint parses a stored fingerprint. An empty or malformed value
// yields a zero fingerprint.
func DecodeFingerprint(s string) Fingerprint {
	var fp Fingerprint
	if s == "" {
		return fp
	}
	var values []float64
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return fp
	}
	copy(fp[:], values)
	return fp
}
