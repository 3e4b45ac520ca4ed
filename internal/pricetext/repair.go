// Package pricetext recovers price fields from rendered page text whose currency
// tokens were split across lines by the page layout.
package pricetext

import (
	"regexp"
	"strings"
)

var (
	// ",99€" style fragments. The match stays inside one token so a joined
	// blob never matches where its first line did not. U+00A0 counts as space
	// throughout; rendered pages put it between amount and currency.
	detachedCents = regexp.MustCompile(`^,\d[^\s\x{00A0}]*€`)
	integerOnly   = regexp.MustCompile(`^\d+$`)
	bareAmount    = regexp.MustCompile(`^\d+[\s\x{00A0},]\d{2}`)
)

const perKgSuffix = "/kg"

// repairRule inspects the current line and, optionally, the next one. It returns
// the replacement line, whether the lookahead line was consumed, and whether the
// rule applied.
type repairRule struct {
	name  string
	apply func(line, next string, hasNext bool) (string, bool, bool)
}

// repairRules run in order; the first rule that applies wins.
var repairRules = []repairRule{
	{
		name: "leading-zero",
		apply: func(line, _ string, _ bool) (string, bool, bool) {
			if detachedCents.MatchString(line) {
				return "0" + line, false, true
			}
			return "", false, false
		},
	},
	{
		name: "merge-cents",
		apply: func(line, next string, hasNext bool) (string, bool, bool) {
			if hasNext && integerOnly.MatchString(line) && detachedCents.MatchString(next) {
				return line + next, true, true
			}
			return "", false, false
		},
	},
	{
		name: "per-kg-suffix",
		apply: func(line, next string, hasNext bool) (string, bool, bool) {
			if hasNext && bareAmount.MatchString(line) && strings.HasPrefix(next, perKgSuffix) {
				return line + "€" + perKgSuffix, true, true
			}
			return "", false, false
		},
	},
}

// Repair rejoins price tokens split across visual lines and returns the page text
// as one space-separated blob. Blank lines are dropped. Repair(Repair(s)) == Repair(s).
func Repair(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		next, hasNext := "", i+1 < len(lines)
		if hasNext {
			next = strings.TrimSpace(lines[i+1])
		}
		replaced := line
		for _, rule := range repairRules {
			repl, consumed, ok := rule.apply(line, next, hasNext)
			if !ok {
				continue
			}
			replaced = repl
			if consumed {
				i++
			}
			break
		}
		if replaced != "" {
			out = append(out, replaced)
		}
	}
	return strings.Join(out, " ")
}
