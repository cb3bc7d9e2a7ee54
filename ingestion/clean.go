package ingestion

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiReplacements covers letters and punctuation that have no ASCII
// decomposition under NFKD.
var asciiReplacements = map[rune]string{
	'ß': "ss", 'ẞ': "SS",
	'æ': "ae", 'Æ': "AE",
	'œ': "oe", 'Œ': "OE",
	'ø': "o", 'Ø': "O",
	'đ': "d", 'Đ': "D",
	'ð': "d", 'Ð': "D",
	'ł': "l", 'Ł': "L",
	'þ': "th", 'Þ': "TH",
	'ı': "i",
	'‘': "'", '’': "'", '‚': "'", '′': "'",
	'“': "\"", '”': "\"", '„': "\"", '″': "\"",
	'«': "<<", '»': ">>",
	'‐': "-", '‑': "-", '‒': "-", '–': "-", '—': "-", '―': "-", '−': "-",
	'•': "*", '·': ".",
	'⁄': "/",
	'€': "EUR", '£': "GBP", '§': "SS",
	'×': "x", '÷': "/",
}

func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Transliterate maps text to its closest ASCII spelling. Runes with no known
// ASCII form are dropped.
func Transliterate(text string) string {
	folded, _, err := transform.String(stripMarks(), text)
	if err != nil {
		folded = text
	}

	var sb strings.Builder
	sb.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r <= unicode.MaxASCII:
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteByte(' ')
		default:
			if repl, ok := asciiReplacements[r]; ok {
				sb.WriteString(repl)
			}
		}
	}
	return sb.String()
}

// Clean transliterates to ASCII, strips null bytes and collapses whitespace
// runs to single spaces. Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	text = Transliterate(text)
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.Join(strings.Fields(text), " ")
}
