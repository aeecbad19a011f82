package controller

import (
	"strings"
	"unicode"
)

// Substitutions applied by EscapeGCode, in order. "%" goes first so that
// literal percent signs cannot pair up with a later escape, and whitespace goes
// last because its replacement "+" must not be re-escaped as %2B.
var escapes = []struct{ from, to string }{
	{"%", "%25"},
	{"\n", "%0A"},
	{"+", "%2B"},
	{"-", "%2D"},
	{"&", "%26"},
	{"#", "%23"},
}

// EscapeGCode encodes one or more newline-joined G-code lines for the gcode
// query parameter of rr_gcode.
func EscapeGCode(code string) string {
	for _, e := range escapes {
		code = strings.ReplaceAll(code, e.from, e.to)
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '+'
		}
		return r
	}, code)
}

// JoinerLen is the encoded length of the newline separating batched lines.
const JoinerLen = len("%0A")
