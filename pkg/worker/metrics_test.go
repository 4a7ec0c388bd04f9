package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/pkg/proto"
)

func TestSyntaxScore(t *testing.T) {
	assert.Zero(t, syntaxScore(""))
	assert.Zero(t, syntaxScore("   \n\t"))
	assert.InDelta(t, 1.0, syntaxScore("def main():\n    return [1, 2]\n"), 0.001)
	assert.InDelta(t, 0.75, syntaxScore("def main(:\n    pass\n"), 0.001)
	// All three pairs unbalanced.
	assert.InDelta(t, 0.25, syntaxScore("([{"), 0.001)
}

func TestReadabilityScore(t *testing.T) {
	assert.Zero(t, readabilityScore(""))
	assert.InDelta(t, 1.0, readabilityScore("short\nlines\n\nonly"), 0.001)

	long := strings.Repeat("x", 200)
	assert.InDelta(t, 0.5, readabilityScore("short\n"+long), 0.001)
}

func TestTestSignals(t *testing.T) {
	passed, coverage := testSignals("just some prose")
	assert.Zero(t, passed)
	assert.Zero(t, coverage)

	passed, coverage = testSignals("def test_one():\n    assert 1\n")
	assert.InDelta(t, 1.0, passed, 0.001)
	assert.InDelta(t, 0.4, coverage, 0.001)

	rich := "import unittest\nimport pytest\nclass TestAll:\n    def test_x(self):\n        assert x\n        expect(y)\n"
	passed, coverage = testSignals(rich)
	assert.InDelta(t, 1.0, passed, 0.001)
	assert.InDelta(t, 1.0, coverage, 0.001)
}

func TestDeriveMetricsPerRole(t *testing.T) {
	code := "def main():\n    return 0\n"
	m := deriveMetrics(proto.RoleExecutor, code)
	assert.Contains(t, m, "syntax_score")
	assert.Contains(t, m, "readability")
	assert.NotContains(t, m, "tests_passed")

	m = deriveMetrics(proto.RoleTester, "def test_main():\n    assert main() == 0\n")
	assert.Contains(t, m, "tests_passed")
	assert.Contains(t, m, "coverage")
}
