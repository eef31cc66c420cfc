package protocol

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/roach88/notesync/internal/errs"
)

// JoinCodeAlphabet leaves out I, O, 0 and 1, which are easy to misread.
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const joinCodeGroup = 8

var joinCodeShape = regexp.MustCompile(`^[A-Z0-9]{8}-[A-Z0-9]{8}$`)

// GenerateJoinCode returns a fresh code of the form XXXXXXXX-XXXXXXXX.
func GenerateJoinCode() (string, error) {
	max := big.NewInt(int64(len(JoinCodeAlphabet)))
	var b strings.Builder
	b.Grow(2*joinCodeGroup + 1)
	for i := 0; i < 2*joinCodeGroup; i++ {
		if i == joinCodeGroup {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		b.WriteByte(JoinCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidateJoinCode checks the shape of a code before any lookup.
func ValidateJoinCode(code string) error {
	if !joinCodeShape.MatchString(code) {
		return errs.InvalidJoinCode(code)
	}
	for _, r := range code {
		if r != '-' && !strings.ContainsRune(JoinCodeAlphabet, r) {
			return errs.InvalidJoinCode(code)
		}
	}
	return nil
}
