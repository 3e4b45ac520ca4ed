package pricetext

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// contextWindow is the number of runes inspected on each side of a price token.
// Wider windows start picking up neighbouring prices.
const contextWindow = 6

var (
	priceToken        = regexp.MustCompile(`(\d+[\s\x{00A0},]\d{2})[\s\x{00A0}]*€`)
	longReferencePVPR = regexp.MustCompile(`(?i)PVPR[\s\x{00A0}]*(\d+[\s\x{00A0},]\d{2})[\s\x{00A0}]*€`)
)

// Reference price markers, long form first. Matched against the upper-cased
// window preceding a token.
var referenceMarkers = []string{"PVPR", "PVP"}

const perWeightMarker = "/KG"

// Class is the role assigned to a price token.
type Class int

// Price token classes.
const (
	ClassDiscarded Class = iota
	ClassUnit
	ClassPerWeight
	ClassReference
)

func (c Class) String() string {
	switch c {
	case ClassUnit:
		return "unit"
	case ClassPerWeight:
		return "per_weight"
	case ClassReference:
		return "reference"
	default:
		return "discarded"
	}
}

// Token is one price occurrence in the repaired text.
type Token struct {
	Amount string
	Start  int
	End    int
	Class  Class
}

// Prices holds the raw amounts recovered from a page.
type Prices struct {
	Unit      *string
	PerWeight *string
	Reference *string
}

// Parse classifies every price token in text (the output of Repair) and returns
// the unit, per-weight and reference amounts.
func Parse(text string) Prices {
	prices, _ := classify(text)
	return prices
}

// Tokens returns every price token found in text along with its class.
func Tokens(text string) []Token {
	_, tokens := classify(text)
	return tokens
}

func classify(text string) (Prices, []Token) {
	var prices Prices
	matches := priceToken.FindAllStringSubmatchIndex(text, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tok := Token{Amount: text[m[2]:m[3]], Start: m[0], End: m[1]}
		before := strings.ToUpper(lastRunes(text[:m[0]], contextWindow))
		after := stripSpace(strings.ToUpper(firstRunes(text[m[1]:], contextWindow)))

		switch {
		case containsAny(before, referenceMarkers):
			if prices.Reference == nil {
				tok.Class = ClassReference
				prices.Reference = strPtr(tok.Amount)
			}
		case strings.HasPrefix(after, perWeightMarker):
			tok.Class = ClassPerWeight
			prices.PerWeight = strPtr(tok.Amount)
		case prices.Unit == nil:
			tok.Class = ClassUnit
			prices.Unit = strPtr(tok.Amount)
		}
		tokens = append(tokens, tok)
	}

	if prices.Unit == nil {
		for i, tok := range tokens {
			if tok.Class == ClassPerWeight {
				continue
			}
			prices.Unit = strPtr(tok.Amount)
			if tok.Class == ClassDiscarded {
				tokens[i].Class = ClassUnit
			}
			break
		}
	}

	if m := longReferencePVPR.FindStringSubmatch(text); m != nil {
		prices.Reference = strPtr(m[1])
	}
	return prices, tokens
}

func lastRunes(s string, n int) string {
	i := len(s)
	for count := 0; i > 0 && count < n; count++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}

func firstRunes(s string, n int) string {
	i := 0
	for count := 0; i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func strPtr(s string) *string {
	return &s
}
