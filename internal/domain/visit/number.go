package visit

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	maxBranchPrefixLen = 6
	branchHashBytes    = 3
	maxNumberAttempts  = 5
)

// BranchCode derives the upper-case code used in visit numbers from a branch
// id. The code is a readable prefix (letters and digits only, at most six of
// them) followed by six hex digits of the SHA-256 of the full id, so branches
// whose ids share a prefix or differ only in punctuation get distinct codes.
func BranchCode(branchID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(branchID) {
		if b.Len() >= maxBranchPrefixLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		b.WriteString("BR")
	}
	sum := sha256.Sum256([]byte(branchID))
	fmt.Fprintf(&b, "%X", sum[:branchHashBytes])
	return b.String()
}

// FormatVisitNumber renders VIS-{year}-{branch}-{MMDD}-{seq}. The sequence is
// only unique within one branch and day; the branch code is what keeps numbers
// unique across the branches of a clinic.
func FormatVisitNumber(branchID string, day time.Time, seq int) string {
	return fmt.Sprintf("VIS-%04d-%s-%s-%04d", day.Year(), BranchCode(branchID), day.Format("0102"), seq)
}

// SequenceDay truncates t to the calendar day the sequence is scoped to.
func SequenceDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
