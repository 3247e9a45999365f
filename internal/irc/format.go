package irc

import (
	"strings"
	"time"
)

// ServerTimeLayout is the layout of the IRCv3 server-time tag.
const ServerTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatServerTime formats t for a server-time tag.
func FormatServerTime(t time.Time) string {
	return t.UTC().Format(ServerTimeLayout)
}

// NamedFormat expands {name} placeholders from params. A backslash
// escapes the next character, so literal braces survive expansion.
// Unknown placeholders expand to nothing.
func NamedFormat(format string, params map[string]string) string {
	if !strings.ContainsAny(format, "{\\") {
		return format
	}
	var sb strings.Builder
	sb.Grow(len(format))
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '\\' && i+1 < len(format):
			i++
			sb.WriteByte(format[i])
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				sb.WriteString(format[i:])
				return sb.String()
			}
			sb.WriteString(params[format[i+1:i+end]])
			i += end
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

var namedEscaper = strings.NewReplacer(`\`, `\\`, `{`, `\{`, `}`, `\}`)

// EscapeNamed makes s safe to embed literally in a NamedFormat format.
func EscapeNamed(s string) string {
	return namedEscaper.Replace(s)
}
