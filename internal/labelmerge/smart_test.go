package labelmerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLongestCommonSubstring(t *testing.T) {
	m := longestCommonSubstring("deploy-web-01", "deploy-web-02")
	assert.Equal(t, 12, m.Size) // "deploy-web-0"
}

func TestGetNewRulesMergesSimilarKeys(t *testing.T) {
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		keys = append(keys, "node-"+string(rune('a'+i)))
	}
	rules := GetNewRules(keys, 0.3, 5)
	if assert.NotEmpty(t, rules) {
		assert.Contains(t, rules[0].Replacement, "node-")
	}
}

func TestGetNewRulesNoOpBelowThreshold(t *testing.T) {
	rules := GetNewRules([]string{"a", "b"}, 0.3, 70)
	assert.Empty(t, rules)
}

func TestWrapperMergesOnceThresholdCrossed(t *testing.T) {
	var merges [][2]string
	w := NewWrapper(5, 0.3, func(src, dst string) bool {
		merges = append(merges, [2]string{src, dst})
		return true
	}, nil)

	for i := 0; i < 20; i++ {
		w.Set("node-"+string(rune('a'+i)), i)
	}

	assert.NotEmpty(t, merges)
	assert.LessOrEqual(t, w.Len(), 20)
}
