package ftn

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultEncoding is used when a message carries no CHRS kludge and its
// bytes are not valid UTF-8.
const DefaultEncoding = "CP437"

type chrsEntry struct {
	enc   encoding.Encoding
	level int
}

// chrsTable maps FTS-5003 CHRS identifiers to encodings.
var chrsTable = map[string]chrsEntry{
	"ASCII":      {charmap.ISO8859_1, 1},
	"CP437":      {charmap.CodePage437, 2},
	"IBMPC":      {charmap.CodePage437, 2},
	"CP850":      {charmap.CodePage850, 2},
	"CP852":      {charmap.CodePage852, 2},
	"CP858":      {charmap.CodePage858, 2},
	"CP862":      {charmap.CodePage862, 2},
	"CP865":      {charmap.CodePage865, 2},
	"CP866":      {charmap.CodePage866, 2},
	"CP1250":     {charmap.Windows1250, 2},
	"CP1251":     {charmap.Windows1251, 2},
	"CP1252":     {charmap.Windows1252, 2},
	"KOI8-R":     {charmap.KOI8R, 2},
	"KOI8-U":     {charmap.KOI8U, 2},
	"LATIN-1":    {charmap.ISO8859_1, 2},
	"LATIN-2":    {charmap.ISO8859_2, 2},
	"ISO-8859-1": {charmap.ISO8859_1, 2},
	"MAC":        {charmap.Macintosh, 2},
	"UTF-8":      {unicode.UTF8, 4},
}

var chrsAliases = map[string]string{
	"UTF8":      "UTF-8",
	"ISO8859-1": "LATIN-1",
	"LATIN1":    "LATIN-1",
	"LATIN2":    "LATIN-2",
	"KOI8R":     "KOI8-R",
	"KOI8U":     "KOI8-U",
	"US-ASCII":  "ASCII",
}

// canonicalCharset normalizes a configured encoding name or CHRS value
// ("cp437", "CP437 2", "utf8") to its CHRS identifier.
func canonicalCharset(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if f := strings.Fields(name); len(f) > 0 {
		name = f[0]
	}
	if alias, ok := chrsAliases[name]; ok {
		return alias
	}
	return name
}

// LookupEncoding resolves an encoding name or CHRS kludge value. The second
// result is the canonical CHRS identifier.
func LookupEncoding(name string) (encoding.Encoding, string, bool) {
	canon := canonicalCharset(name)
	if canon == "" {
		return nil, "", false
	}
	if e, ok := chrsTable[canon]; ok {
		return e.enc, canon, true
	}
	enc, err := ianaindex.IANA.Encoding(canon)
	if err != nil || enc == nil {
		return nil, canon, false
	}
	return enc, canon, true
}

// IsSupportedEncoding reports whether name resolves to an encoding.
func IsSupportedEncoding(name string) bool {
	_, _, ok := LookupEncoding(name)
	return ok
}

// CHRSValue returns the CHRS kludge value for an encoding name, such as
// "CP437 2" or "UTF-8 4".
func CHRSValue(name string) string {
	_, canon, ok := LookupEncoding(name)
	if !ok {
		return ""
	}
	level := 2
	if e, ok := chrsTable[canon]; ok {
		level = e.level
	}
	return canon + " " + string(rune('0'+level))
}

// encodeString converts UTF-8 text to the named encoding, replacing
// characters the target cannot represent.
func encodeString(enc encoding.Encoding, s string) (string, error) {
	if enc == nil || enc == unicode.UTF8 {
		return s, nil
	}
	return encoding.ReplaceUnsupported(enc.NewEncoder()).String(s)
}

// decodeString converts bytes in enc to UTF-8. A nil enc keeps valid UTF-8
// and falls back to DefaultEncoding otherwise.
func decodeString(enc encoding.Encoding, s string) (string, error) {
	if enc == nil {
		if utf8.ValidString(s) {
			return s, nil
		}
		enc = chrsTable[DefaultEncoding].enc
	}
	if enc == unicode.UTF8 {
		if utf8.ValidString(s) {
			return s, nil
		}
	}
	return enc.NewDecoder().String(s)
}
