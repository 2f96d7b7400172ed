package normalize

import "strings"

var invalidCodes = map[string]bool{
	"":     true,
	"NAN":  true,
	"NONE": true,
	"NULL": true,
}

// Code canonicalizes a program code: trimmed, upper-cased and stripped of
// the ".0" suffix spreadsheets add to integers stored as reals. ok is false
// when the code is empty or a null placeholder.
func Code(raw string) (code string, ok bool) {
	code = strings.ToUpper(strings.TrimSpace(raw))
	if strings.HasSuffix(code, ".0") {
		code = strings.TrimSpace(strings.TrimSuffix(code, ".0"))
	}
	if invalidCodes[code] {
		return "", false
	}
	return code, true
}
