package recorder

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"calltrace/event"
)

// Document framing. The closer carries an empty object so the array stays
// valid whether or not any item (each followed by a comma) was written.
const (
	beginCollection = "["
	endCollection   = "{}]"
	itemDelimiter   = ','
)

// appendItem appends the Trace Event Format object for e, without the
// trailing delimiter. Field order is fixed: name, cat, tid, ph, pid, ts, args.
func appendItem(dst []byte, e event.Event) []byte {
	dst = append(dst, `{"name":"`...)
	dst = appendEscaped(dst, e.FunctionName)
	dst = append(dst, `","cat":"`...)
	dst = appendEscaped(dst, e.FunctionFile)
	dst = append(dst, `","tid":`...)
	dst = strconv.AppendInt(dst, int64(e.TID), 10)
	dst = append(dst, `,"ph":"`...)
	dst = append(dst, e.Kind.Phase()...)
	dst = append(dst, `","pid":`...)
	dst = strconv.AppendInt(dst, int64(e.PID), 10)
	dst = append(dst, `,"ts":`...)
	dst = strconv.AppendInt(dst, e.TimestampUS, 10)

	dst = append(dst, `,"args":{"function":"`...)
	dst = appendEscaped(dst, e.FunctionFile)
	dst = append(dst, ':')
	dst = strconv.AppendInt(dst, int64(e.FunctionLine), 10)
	dst = append(dst, ':')
	dst = appendEscaped(dst, e.FunctionName)
	dst = append(dst, `","caller":"`...)
	dst = appendEscaped(dst, e.CallerFile)
	dst = append(dst, ':')
	dst = strconv.AppendInt(dst, int64(e.CallerLine), 10)
	dst = append(dst, `"}}`...)
	return dst
}

// appendEscaped appends s as the body of a JSON string literal. Identifiers
// that need no escaping are copied verbatim; invalid UTF-8 becomes U+FFFD
// under either codec.
func appendEscaped(dst []byte, s string) []byte {
	if !needsEscape(s) {
		return append(dst, s...)
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	quoted, err := jsonMarshal(s)
	if err != nil || len(quoted) < 2 {
		return appendControlEscaped(dst, s)
	}
	return append(dst, quoted[1:len(quoted)-1]...)
}

// appendControlEscaped escapes quotes, backslashes and control bytes of a
// valid UTF-8 string.
func appendControlEscaped(dst []byte, s string) []byte {
	const hex = "0123456789abcdef"
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			dst = append(dst, '\\', c)
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

func needsEscape(s string) bool {
	ascii := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == '"' || c == '\\' {
			return true
		}
		if c >= utf8.RuneSelf {
			ascii = false
		}
	}
	return !ascii && !utf8.ValidString(s)
}
