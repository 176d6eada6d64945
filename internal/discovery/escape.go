package discovery

import (
	"strings"
)

// UnescapeInstance decodes a raw DNS-SD instance label. "\DDD" is a decimal byte
// and "\c" is the literal character c. A trailing lone backslash is kept.
func UnescapeInstance(raw string) string {
	if !strings.Contains(raw, `\`) {
		return raw
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(raw) && isDigit(raw[i+1]) && isDigit(raw[i+2]) && isDigit(raw[i+3]) {
			v := int(raw[i+1]-'0')*100 + int(raw[i+2]-'0')*10 + int(raw[i+3]-'0')
			if v <= 255 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(raw[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
