// Package labelmerge bounds high-cardinality label values (sls/sid names)
// by discovering common substrings across observed values and collapsing
// them into wildcard rewrite rules, grounded on the longest-matching-block
// algorithm the original saline implementation borrowed from Python's
// difflib.SequenceMatcher.
package labelmerge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Rule rewrites any string matching Pattern into Replacement, the
// matched fragments joined by "*", e.g. two observed ids
// "deploy-web-01" and "deploy-web-02" merge into the rule pattern
// "^deploy-web-0.*" with replacement "deploy-web-0*".
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// match is one longest matching block between two strings, following
// difflib's terminology: a run of `Size` identical characters starting
// at A in the first string and B in the second.
type match struct {
	A, B, Size int
}

const minMatchLen = 3

// longestMatchingBlocks finds the ordered, non-overlapping longest
// common substrings between a and b via the classic O(n*m) DP longest
// common substring construction, repeated greedily left-to-right the way
// SequenceMatcher.get_matching_blocks does. Blocks shorter than
// minMatchLen are discarded. The boundary anchors are added by
// fragments, not here.
func longestMatchingBlocks(a, b string) []match {
	var blocks []match
	var walk func(aLo, aHi, bLo, bHi int)
	walk = func(aLo, aHi, bLo, bHi int) {
		if aLo >= aHi || bLo >= bHi {
			return
		}
		m := longestCommonSubstring(a[aLo:aHi], b[bLo:bHi])
		if m.Size < minMatchLen {
			return
		}
		m.A += aLo
		m.B += bLo
		walk(aLo, m.A, bLo, m.B)
		blocks = append(blocks, m)
		walk(m.A+m.Size, aHi, m.B+m.Size, bHi)
	}
	walk(0, len(a), 0, len(b))
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].A < blocks[j].A })
	return blocks
}

func longestCommonSubstring(a, b string) match {
	if a == "" || b == "" {
		return match{}
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := match{}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best.Size {
					best = match{A: i - cur[j], B: j - cur[j], Size: cur[j]}
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}

// fragments splits a and b against their matching blocks into the
// ordered list of literal fragments a rewrite rule wildcards between:
// unmatched-prefix, match, unmatched-middle, match, ..., unmatched-suffix.
// Only the literal (matched) fragments are kept; gaps become "*". An
// empty-string boundary anchor is inserted at the start if the first
// block doesn't begin at position 0 of both a and b, and at the end if
// the last block doesn't end at the ends of both — otherwise a shared
// prefix or suffix (e.g. "node-a"/"node-t" sharing "node-") would
// produce no usable fragment at that boundary at all.
func fragments(a, b string) ([]string, int, bool) {
	blocks := longestMatchingBlocks(a, b)
	if len(blocks) == 0 {
		return nil, 0, false
	}
	var frags []string
	matchedLen := 0

	first := blocks[0]
	if first.A != 0 || first.B != 0 {
		frags = append(frags, "")
	}
	for _, m := range blocks {
		frags = append(frags, a[m.A:m.A+m.Size])
		matchedLen += m.Size
	}
	last := blocks[len(blocks)-1]
	if last.A+last.Size != len(a) || last.B+last.Size != len(b) {
		frags = append(frags, "")
	}
	return frags, matchedLen, true
}

// candidate is a proposed merge between two observed keys.
type candidate struct {
	a, b     string
	frags    []string
	quality  float64
}

// GetNewRules scans the given keys for pairs whose longest matching
// fragments cover at least matchQuality of the longer string, scores
// each candidate by occurrence_count * quality * merged_count (how many
// existing keys the resulting wildcard pattern would already subsume),
// and returns rules in descending score order. Pairs yielding the same
// fragments count as one candidate: occurrence_count is the number of
// such pairs and quality is the sum of their qualities. It stops
// proposing rules once the remaining un-mergeable key count plus rules
// emitted so far drops below startMergingOn — mirroring the original
// start_merging_on threshold.
func GetNewRules(keys []string, matchQuality float64, startMergingOn int) []Rule {
	if len(keys) <= startMergingOn {
		return nil
	}

	type scored struct {
		candidate
		count       int
		mergedCount int
		score       float64
	}

	var candidates []scored
	byFrags := map[string]int{}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, b := keys[i], keys[j]
			frags, matched, ok := fragments(a, b)
			if !ok {
				continue
			}
			maxLen := len(a)
			if len(b) > maxLen {
				maxLen = len(b)
			}
			if maxLen == 0 {
				continue
			}
			quality := float64(matched) / float64(maxLen)
			if quality < matchQuality {
				continue
			}
			if idx, ok := byFrags[strings.Join(frags, "*")]; ok {
				candidates[idx].count++
				candidates[idx].quality += quality
				continue
			}
			quotedFrags := make([]string, len(frags))
			for i, f := range frags {
				quotedFrags[i] = regexp.QuoteMeta(f)
			}
			re, err := regexp.Compile("^" + strings.Join(quotedFrags, ".*"))
			if err != nil {
				continue
			}
			mergedCount := 0
			for _, k := range keys {
				if re.MatchString(k) {
					mergedCount++
				}
			}
			if mergedCount < 2 {
				continue
			}
			byFrags[strings.Join(frags, "*")] = len(candidates)
			candidates = append(candidates, scored{
				candidate:   candidate{a: a, b: b, frags: frags, quality: quality},
				count:       1,
				mergedCount: mergedCount,
			})
		}
	}
	for i := range candidates {
		c := &candidates[i]
		c.score = float64(c.count) * c.quality * float64(c.mergedCount)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var rules []Rule
	seen := map[string]bool{}
	itemsCount := len(keys)
	fullMergedCount := 0
	for _, c := range candidates {
		replacement := strings.Join(c.frags, "*")
		if seen[replacement] {
			continue
		}
		seen[replacement] = true

		quoted := make([]string, len(c.frags))
		for i, f := range c.frags {
			quoted[i] = regexp.QuoteMeta(f)
		}
		pattern := "^" + strings.Join(quoted, ".*")
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}

		mergedCount := 0
		for _, k := range keys {
			if re.MatchString(k) {
				mergedCount++
			}
		}

		rules = append(rules, Rule{Pattern: re, Replacement: replacement})
		fullMergedCount += mergedCount

		if itemsCount-fullMergedCount+len(rules) < startMergingOn {
			break
		}
	}
	return rules
}

// Apply runs s through rules in order, returning the first replacement
// that matches, or s unchanged if none do.
func Apply(rules []Rule, s string) string {
	for _, r := range rules {
		if r.Pattern.MatchString(s) {
			return r.Replacement
		}
	}
	return s
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.Pattern.String(), r.Replacement)
}
