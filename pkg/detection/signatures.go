package detection

import (
	"bytes"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// MatchSignatures runs the signature pass over buf and returns the first
// match in declared database order. An anchored signature compares at
// exactly its offset; an unanchored one searches the whole buffer. The
// linear walk is the semantic definition: any faster multi-pattern scheme
// must produce the same verdict for all inputs.
func MatchSignatures(db *models.SignatureDatabase, buf []byte) (models.Verdict, bool) {
	if db == nil {
		return models.Verdict{}, false
	}
	for _, sig := range db.Signatures {
		if len(sig.Pattern) == 0 {
			continue
		}
		if sig.Anchored() {
			end := int64(sig.Offset) + int64(len(sig.Pattern))
			if end > int64(len(buf)) {
				continue
			}
			if bytes.Equal(buf[sig.Offset:end], sig.Pattern) {
				return verdictFor(sig), true
			}
			continue
		}
		if bytes.Contains(buf, sig.Pattern) {
			return verdictFor(sig), true
		}
	}
	return models.Verdict{}, false
}

func verdictFor(sig models.Signature) models.Verdict {
	return models.Verdict{
		Threat:     true,
		ThreatName: sig.Name,
		Severity:   int(sig.Severity),
	}
}
