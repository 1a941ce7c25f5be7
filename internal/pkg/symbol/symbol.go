// Package symbol parses instrument identifiers of the form BASE/QUOTE,
// BASEQUOTE or BASE/QUOTE:SETTLE.
package symbol

import "strings"

var quoteCurrencies = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

// Internal is the canonical instrument id, BASEQUOTE.
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Pair is BASE/QUOTE.
func (s Symbol) Pair() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Valid() bool {
	return s.Base != "" && s.Quote != ""
}

// Parse splits an identifier. Unknown quotes give a zero Symbol.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return Symbol{}
	}
	if base, quote, ok := strings.Cut(s, "/"); ok {
		return Symbol{Base: strings.TrimSpace(base), Quote: strings.TrimSpace(quote)}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize returns the canonical id, or the trimmed upper-cased input when
// it cannot be split.
func Normalize(s string) string {
	if id := Parse(s).Internal(); id != "" {
		return id
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

// Quote returns the quote currency, or "" when unknown.
func Quote(s string) string {
	return Parse(s).Quote
}
