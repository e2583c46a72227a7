package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vote-service/internal/config"
)

var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashAndVerify(t *testing.T) {
	h := NewHasherWithPeppers(testParams, []Pepper{{Value: "p1", Version: 1}})

	res, err := h.HashOTP("482913")
	require.NoError(t, err)
	assert.NotContains(t, res.Hash, "482913")
	assert.Equal(t, 1, res.PepperVersion)

	ok, err := h.VerifyOTP("482913", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("111111", res)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltMakesHashesDiffer(t *testing.T) {
	h := NewHasherWithPeppers(testParams, []Pepper{{Value: "p1", Version: 1}})

	a, err := h.HashOTP("482913")
	require.NoError(t, err)
	b, err := h.HashOTP("482913")
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestOldPepperStillVerifies(t *testing.T) {
	old := NewHasherWithPeppers(testParams, []Pepper{{Value: "p1", Version: 1}})
	res, err := old.HashOTP("482913")
	require.NoError(t, err)

	rotated := NewHasherWithPeppers(testParams, []Pepper{{Value: "p1", Version: 1}, {Value: "p2", Version: 2}})
	ok, err := rotated.VerifyOTP("482913", res)
	require.NoError(t, err)
	assert.True(t, ok)

	fresh, err := rotated.HashOTP("482913")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.PepperVersion)

	dropped := NewHasherWithPeppers(testParams, []Pepper{{Value: "p2", Version: 2}})
	_, err = dropped.VerifyOTP("482913", res)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	h := NewHasherWithPeppers(testParams, []Pepper{{Value: "p1", Version: 1}})

	_, err := h.VerifyOTP("1", HashResult{Hash: "!!", Salt: "AA", PepperVersion: 1, Algorithm: algorithm})
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyOTP("1", HashResult{Algorithm: "md5"})
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestParsePeppers(t *testing.T) {
	peppers, err := ParsePeppers(" 2:beta, 1:alpha ,")
	require.NoError(t, err)
	assert.Equal(t, []Pepper{{Value: "alpha", Version: 1}, {Value: "beta", Version: 2}}, peppers)

	for _, bad := range []string{"alpha", "x:alpha", "0:alpha", "1:", "1:a,1:b"} {
		_, err := ParsePeppers(bad)
		assert.ErrorIs(t, err, ErrInvalidPepperList, bad)
	}
}

func TestNewHasherFromConfig(t *testing.T) {
	cfg := &config.Config{Hashing: config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
	}}

	h, err := NewHasher(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, h.current.Version)

	cfg.Hashing.Peppers = "3:c"
	h, err = NewHasher(cfg)
	require.NoError(t, err)
	assert.Equal(t, Pepper{Value: "c", Version: 3}, h.current)
}
