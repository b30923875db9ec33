package osc

import "strconv"

// Encode renders a protocol event the way the shell shim emits it.
func Encode(kind Kind, code int) string {
	switch kind {
	case Interactive:
		return "\x1b]" + Number + ";interactive\a"
	case Prompt:
		return "\x1b]" + Number + ";prompt\a"
	case Exit:
		return "\x1b]" + Number + ";exit=" + strconv.Itoa(code) + ":0\a"
	}
	return ""
}
