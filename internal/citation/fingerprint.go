package citation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/miams/rmcitecraft/internal/types"
)

// Fingerprint derives a stable identity for a CitationArtifact independent
// of the access date, so re-running extraction on an unchanged source page
// produces the same fingerprint and the re-processing policy
// (SPEC_FULL.md §O.3) can detect "nothing changed" without diffing prose.
func Fingerprint(art types.CitationArtifact, year int, subject string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", year, subject, art.ShortFootnote, art.Bibliography)
	return hex.EncodeToString(h.Sum(nil))[:24]
}
