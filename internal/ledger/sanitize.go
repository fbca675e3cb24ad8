package ledger

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// stopTokens are generic query tokens that carry no signal about what the
// user actually wants indexed. Terms reduced to nothing by stripping these
// are dropped before they reach the ledger.
var stopTokens = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "any": {}, "at": {}, "best": {},
	"by": {}, "find": {}, "for": {}, "good": {}, "in": {}, "is": {},
	"me": {}, "my": {}, "near": {}, "nearby": {}, "new": {}, "of": {},
	"on": {}, "or": {}, "place": {}, "places": {}, "search": {},
	"show": {}, "some": {}, "spot": {}, "spots": {}, "stuff": {},
	"the": {}, "thing": {}, "things": {}, "to": {}, "top": {},
	"what": {}, "where": {}, "with": {},
}

var foldCaser = cases.Fold()

// SanitizeTerm normalizes a raw search term into its ledger form: NFC
// normalized, case folded, punctuation stripped, generic tokens removed,
// single-spaced. Returns "" when nothing meaningful remains.
func SanitizeTerm(raw string) string {
	s := norm.NFC.String(raw)
	s = foldCaser.String(s)

	// Replace punctuation with spaces so "taco-stand, austin" tokenizes.
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, tok := range fields {
		if _, generic := stopTokens[tok]; generic {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}
