package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentChecksum computes the content-identity key for a candidate: two
// reports of the same real-world payment collapse to one checksum even when
// their source event ids differ. Fields are normalized first so formatting
// noise (case, punctuation, sub-day timestamps) does not split identities.
func ContentChecksum(c Candidate) string {
	h := sha256.New()
	h.Write([]byte(NormalizeReference(c.Reference)))
	h.Write([]byte{'\n'})
	h.Write([]byte(c.Amount.Round(2).String()))
	h.Write([]byte{'\n'})
	h.Write([]byte(c.PaidAt.UTC().Format("2006-01-02")))
	h.Write([]byte{'\n'})
	h.Write([]byte(NormalizePayerName(c.PayerName)))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.ToLower(string(c.Source))))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeReference strips whitespace and lowercases punctuation noise out
// of a free-text reference so statement reformatting does not defeat
// equality checks.
func NormalizeReference(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(ref)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePayerName collapses a free-text payer name to uppercase tokens
// with punctuation removed, in statement-description style.
func NormalizePayerName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	replacer := strings.NewReplacer(".", "", ",", "", "-", " ", "_", " ")
	n = replacer.Replace(n)
	return strings.Join(strings.Fields(n), " ")
}
