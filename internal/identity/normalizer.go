// Package identity turns the email and phone a voter types into the stable
// key that bounds OTP issuance and vote uniqueness.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidIdentity = errors.New("invalid identity")

// Mode selects which normalized fields feed the identity key.
type Mode string

const (
	ModeCombined Mode = "combined"
	ModePhone    Mode = "phone"
	ModeEmail    Mode = "email"
)

const nigeriaCountryCode = "234"

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)

// Identity is the normalized voter identity. Key is the only field that
// leaves the request path; Email and Phone are kept for delivery.
type Identity struct {
	Email string
	Phone string
	Key   string
}

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	mode Mode
	salt []byte
}

func NewNormalizer(mode Mode, salt string) (*Normalizer, error) {
	switch mode {
	case ModeCombined, ModePhone, ModeEmail:
	case "":
		mode = ModeCombined
	default:
		return nil, fmt.Errorf("unknown identity mode %q", mode)
	}
	return &Normalizer{mode: mode, salt: []byte(salt)}, nil
}

func (n *Normalizer) Mode() Mode {
	return n.mode
}

// Normalize validates both fields regardless of mode so a session always has
// a reachable contact on each channel.
func (n *Normalizer) Normalize(rawEmail, rawPhone string) (Identity, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return Identity{}, err
	}
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Email: email,
		Phone: phone,
		Key:   n.key(email, phone),
	}, nil
}

func (n *Normalizer) key(email, phone string) string {
	var material string
	switch n.mode {
	case ModePhone:
		material = "phone\x00" + phone
	case ModeEmail:
		material = "email\x00" + email
	default:
		material = "combined\x00" + email + "\x00" + phone
	}

	mac := hmac.New(sha256.New, n.salt)
	mac.Write([]byte(material))
	return hex.EncodeToString(mac.Sum(nil))
}

func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidIdentity)
	}
	return email, nil
}

// NormalizePhone maps the local (0xxxxxxxxxx), bare (xxxxxxxxxx) and
// international (234xxxxxxxxxx, +234..., 2340xxxxxxxxxx) spellings of a
// Nigerian mobile number to +234xxxxxxxxxx.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		case r == '+' && i == 0:
		default:
			return "", fmt.Errorf("%w: unexpected character in phone number", ErrInvalidIdentity)
		}
	}
	digits := b.String()

	var national string
	switch {
	case len(digits) == 11 && digits[0] == '0':
		national = digits[1:]
	case len(digits) == 10:
		national = digits
	case len(digits) == 13 && strings.HasPrefix(digits, nigeriaCountryCode):
		national = digits[3:]
	case len(digits) == 14 && strings.HasPrefix(digits, nigeriaCountryCode+"0"):
		national = digits[4:]
	default:
		return "", fmt.Errorf("%w: phone number has an unexpected length", ErrInvalidIdentity)
	}

	if national[0] < '7' || national[0] > '9' {
		return "", fmt.Errorf("%w: not a mobile number", ErrInvalidIdentity)
	}

	return "+" + nigeriaCountryCode + national, nil
}
