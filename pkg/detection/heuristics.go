package detection

import (
	"bytes"
	"math"
	"slices"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// heuristicRule pairs a threat label with a predicate over the file bytes
// and lowercased extension. Rules are evaluated in declared order; the
// first hit wins.
type heuristicRule struct {
	name     string
	severity int
	match    func(buf []byte, ext string) bool
}

func defaultHeuristicRules(entropyThreshold float64) []heuristicRule {
	return []heuristicRule{
		{
			name:     "Heuristic.Suspicious.TinyExecutable",
			severity: 6,
			match: func(buf []byte, ext string) bool {
				return slices.Contains(models.ExecutableExtensions, ext) &&
					len(buf) < models.TinyExecutableSize
			},
		},
		{
			name:     "Heuristic.Suspicious.HighEntropy",
			severity: 7,
			match: func(buf []byte, _ string) bool {
				return ShannonEntropy(buf) > entropyThreshold
			},
		},
		{
			name:     "Heuristic.Suspicious.Strings",
			severity: 5,
			match: func(buf []byte, _ string) bool {
				return containsSuspiciousStrings(buf)
			},
		},
	}
}

func evalHeuristics(rules []heuristicRule, buf []byte, ext string) (models.Verdict, bool) {
	for _, rule := range rules {
		if rule.match(buf, ext) {
			return models.Verdict{
				Threat:     true,
				ThreatName: rule.name,
				Severity:   rule.severity,
			}, true
		}
	}
	return models.Verdict{}, false
}

// ShannonEntropy computes -sum(p*log2 p) over the byte frequency of buf,
// in [0, 8] bits per byte. An empty buffer has entropy 0.
func ShannonEntropy(buf []byte) float64 {
	if len(buf) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range buf {
		freq[b]++
	}
	size := float64(len(buf))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / size
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// containsSuspiciousStrings searches the fixed wordlist case-insensitively.
// The buffer is treated as raw bytes; only ASCII letters are folded.
func containsSuspiciousStrings(buf []byte) bool {
	lowered := make([]byte, len(buf))
	for i, c := range buf {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		lowered[i] = c
	}
	for _, s := range models.SuspiciousStrings {
		if bytes.Contains(lowered, []byte(s)) {
			return true
		}
	}
	return false
}
