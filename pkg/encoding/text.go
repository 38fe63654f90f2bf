package encoding

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ToUTF8 turns uploaded file bytes into text. Valid UTF-8 is returned as is
// (minus a leading BOM); anything else is treated as Windows-1252, which is
// what spreadsheet tools emit for "CSV (Windows)" exports.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b)
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails
		return string(b)
	}

	return string(decoded)
}
