// Package scheme provides the default emv.SchemeResolver: a static
// AID table and a BIN-prefix table, used to name a card's network and
// to resolve the CB/co-badge ambiguity via the PAN.
package scheme

import (
	"sort"
	"strings"

	"github.com/corinnewalsh/emvreader/pkg/emv"
)

// binRange is a closed, inclusive range of PAN prefixes sharing equal
// digit length, matched by leading-digit comparison.
type binRange struct {
	low, high string
	scheme    emv.Scheme
}

// Table is a static AID/BIN-backed SchemeResolver. The zero value is
// usable; Default returns one pre-populated with the well-known AIDs
// and BIN ranges a generic terminal ships with.
type Table struct {
	aids  map[string]emv.Scheme
	known []emv.KnownAID
	bins  []binRange
}

// Default returns the resolver used when no site-specific
// configuration overrides it (see internal/config).
func Default() *Table {
	t := &Table{aids: make(map[string]emv.Scheme)}

	t.addAID(emv.SchemeVisa, "A0000000031010")
	t.addAID(emv.SchemeVisa, "A0000000032010")
	t.addAID(emv.SchemeMastercard, "A0000000041010")
	t.addAID(emv.SchemeMastercard, "A0000000043060")
	t.addAID(emv.SchemeAmex, "A00000002501")
	t.addAID(emv.SchemeDiscover, "A0000001523010")
	t.addAID(emv.SchemeCB, "A0000000420001")
	t.addAID(emv.SchemeCB, "A0000000421010")

	t.bins = []binRange{
		{"4", "4", emv.SchemeVisa},
		{"51", "55", emv.SchemeMastercard},
		{"2221", "2720", emv.SchemeMastercard},
		{"34", "34", emv.SchemeAmex},
		{"37", "37", emv.SchemeAmex},
		{"6011", "6011", emv.SchemeDiscover},
		{"644", "649", emv.SchemeDiscover},
		{"65", "65", emv.SchemeDiscover},
	}
	return t
}

func (t *Table) addAID(s emv.Scheme, aidHex string) {
	aid := decodeHex(aidHex)
	t.aids[aidHex] = s
	t.known = append(t.known, emv.KnownAID{Scheme: s, AID: aid})
}

// AddOverride registers or replaces a single AID -> scheme mapping,
// used to layer a config-file scheme list on top of Default().
func (t *Table) AddOverride(s emv.Scheme, aidHex string) {
	if t.aids == nil {
		t.aids = make(map[string]emv.Scheme)
	}
	aidHex = strings.ToUpper(aidHex)
	if _, exists := t.aids[aidHex]; !exists {
		t.known = append(t.known, emv.KnownAID{Scheme: s, AID: decodeHex(aidHex)})
	}
	t.aids[aidHex] = s
}

// AddBinOverride registers a closed, inclusive BIN-prefix range,
// checked ahead of Default()'s built-in ranges by SchemeByPAN (it is
// prepended, so a config-supplied range always wins a tie on prefix
// length against a built-in one).
func (t *Table) AddBinOverride(s emv.Scheme, low, high string) {
	t.bins = append([]binRange{{low: low, high: high, scheme: s}}, t.bins...)
}

func decodeHex(s string) []byte {
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func encodeHex(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[2*i] = digits[v>>4]
		out[2*i+1] = digits[v&0x0F]
	}
	return string(out)
}

// SchemeByAID looks up the scheme registered for an exact AID match.
func (t *Table) SchemeByAID(aid []byte) (emv.Scheme, bool) {
	s, ok := t.aids[encodeHex(aid)]
	return s, ok
}

// SchemeByPAN resolves a scheme from the PAN's leading digits against
// the BIN table, preferring the most specific (longest prefix) match.
func (t *Table) SchemeByPAN(pan string) (emv.Scheme, bool) {
	if pan == "" {
		return emv.SchemeUnknown, false
	}
	best := -1
	var bestScheme emv.Scheme
	for _, r := range t.bins {
		if len(pan) < len(r.low) {
			continue
		}
		prefix := pan[:len(r.low)]
		if prefix < r.low || prefix > r.high {
			continue
		}
		if len(r.low) > best {
			best = len(r.low)
			bestScheme = r.scheme
		}
	}
	if best < 0 {
		return emv.SchemeUnknown, false
	}
	return bestScheme, true
}

// KnownAIDs returns the AID_FALLBACK candidate list in a stable,
// deterministic order (by scheme name, then AID).
func (t *Table) KnownAIDs() []emv.KnownAID {
	out := append([]emv.KnownAID(nil), t.known...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scheme != out[j].Scheme {
			return out[i].Scheme < out[j].Scheme
		}
		return strings.Compare(encodeHex(out[i].AID), encodeHex(out[j].AID)) < 0
	})
	return out
}
