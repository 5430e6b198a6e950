package exam

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	accessCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	AccessCodeLength         = 8
	FallbackAccessCodeLength = 12

	accessCodeAttempts = 10
)

var ErrAccessCodeExhausted = errors.New("could not generate a unique access code")

// CodeSource returns a random code of n characters.
type CodeSource func(n int) (string, error)

// RandomCode draws n characters uniformly from [A-Z0-9] using crypto/rand.
func RandomCode(n int) (string, error) {
	max := big.NewInt(int64(len(accessCodeAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(accessCodeAlphabet[v.Int64()])
	}
	return b.String(), nil
}

func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidAccessCode accepts both the regular and the fallback length.
func IsValidAccessCode(code string) bool {
	if len(code) != AccessCodeLength && len(code) != FallbackAccessCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(accessCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// GenerateAccessCode returns a code no exam currently uses. It tries the
// regular 8-character space a bounded number of times, then the 12-character
// space, then gives up.
func (s *Service) GenerateAccessCode(ctx context.Context) (string, error) {
	return s.generateAccessCode(ctx, s.db)
}

func (s *Service) generateAccessCode(ctx context.Context, q queryable) (string, error) {
	for _, length := range []int{AccessCodeLength, FallbackAccessCodeLength} {
		for i := 0; i < accessCodeAttempts; i++ {
			code, err := s.newCode(length)
			if err != nil {
				return "", err
			}
			code = NormalizeAccessCode(code)
			if !IsValidAccessCode(code) {
				continue
			}

			taken, err := accessCodeTaken(ctx, q, code)
			if err != nil {
				return "", err
			}
			if !taken {
				return code, nil
			}
			s.log.Debug("access code collision, retrying")
		}
	}
	return "", ErrAccessCodeExhausted
}

func accessCodeTaken(ctx context.Context, q queryable, code string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams WHERE access_code = $1`, code).Scan(&n); err != nil {
		return false, fmt.Errorf("check access code: %w", err)
	}
	return n > 0, nil
}
