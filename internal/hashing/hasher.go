package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"vote-service/internal/config"
	"vote-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash       = errors.New("invalid hash format")
	ErrUnknownPepper     = errors.New("pepper version not found")
	ErrInvalidPepperList = errors.New("invalid pepper list")
)

const algorithm = "argon2id-v1"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher hashes OTP codes with argon2id, a per-hash salt and a versioned
// pepper. Hashes made with an older pepper verify as long as that pepper is
// still configured.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]string
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	peppers, err := ParsePeppers(cfg.Hashing.Peppers)
	if err != nil {
		return nil, err
	}
	if len(peppers) == 0 {
		pepper, err := randomPepper()
		if err != nil {
			return nil, err
		}
		peppers = []Pepper{pepper}
		util.Warn("OTP_PEPPERS not set, using an ephemeral pepper; pending codes will not survive a restart")
	}

	return NewHasherWithPeppers(params, peppers), nil
}

// NewHasherWithPeppers uses the highest version for new hashes.
func NewHasherWithPeppers(params Argon2Params, peppers []Pepper) *Hasher {
	h := &Hasher{params: params, peppers: make(map[int]string, len(peppers))}
	for _, p := range peppers {
		h.peppers[p.Version] = p.Value
		if p.Version >= h.current.Version {
			h.current = p
		}
	}
	util.Info("OTP hasher ready",
		zap.Int("pepper_version", h.current.Version),
		zap.Int("peppers", len(h.peppers)))
	return h
}

// ParsePeppers reads "1:secret,2:secret" into peppers sorted by version.
func ParsePeppers(raw string) ([]Pepper, error) {
	var peppers []Pepper
	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		version, secret, ok := strings.Cut(part, ":")
		if !ok || secret == "" {
			return nil, fmt.Errorf("%w: entry %q is not version:secret", ErrInvalidPepperList, part)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("%w: bad version %q", ErrInvalidPepperList, version)
		}
		if seen[v] {
			return nil, fmt.Errorf("%w: version %d repeated", ErrInvalidPepperList, v)
		}
		seen[v] = true
		peppers = append(peppers, Pepper{Value: secret, Version: v})
	}
	sort.Slice(peppers, func(i, j int) bool { return peppers[i].Version < peppers[j].Version })
	return peppers, nil
}

func randomPepper() (Pepper, error) {
	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		return Pepper{}, fmt.Errorf("failed to generate pepper: %w", err)
	}
	return Pepper{Value: base64.RawURLEncoding.EncodeToString(pepperBytes), Version: 1}, nil
}

func (h *Hasher) HashOTP(code string) (HashResult, error) {
	return h.hashWithPepper(code, "otp")
}

func (h *Hasher) VerifyOTP(code string, hashResult HashResult) (bool, error) {
	return h.verifyWithPepper(code, hashResult, "otp")
}

func (h *Hasher) hashWithPepper(data, purpose string) (HashResult, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return HashResult{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := h.derive(data, h.current.Value, purpose, salt, h.params.KeyLength)

	return HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: h.current.Version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult HashResult, purpose string) (bool, error) {
	if hashResult.Algorithm != algorithm {
		return false, ErrInvalidHash
	}
	pepper, ok := h.peppers[hashResult.PepperVersion]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, hashResult.PepperVersion)
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expectedHash) == 0 {
		return false, ErrInvalidHash
	}

	computedHash := h.derive(data, pepper, purpose, salt, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// The purpose suffix keeps a hash from one use being replayed as another.
func (h *Hasher) derive(data, pepper, purpose string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}
