package convert

import (
	"fmt"
	"strings"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05.000000000"
	// accepts any fraction length, or none
	timestampParseLayout = "2006-01-02 15:04:05.999999999"
)

// javaLayoutTokens maps Java SimpleDateFormat letters to Go reference layout
// fragments, longest run first.
var javaLayoutTokens = []struct {
	java   string
	layout string
}{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"M", "1"},
	{"dd", "02"},
	{"d", "2"},
	{"HH", "15"},
	{"H", "15"},
	{"hh", "03"},
	{"h", "3"},
	{"mm", "04"},
	{"m", "4"},
	{"ss", "05"},
	{"s", "5"},
	{"SSSSSSSSS", "000000000"},
	{"SSSSSS", "000000"},
	{"SSS", "000"},
	{"S", "0"},
	{"a", "PM"},
	{"EEEE", "Monday"},
	{"EEE", "Mon"},
	{"XXX", "-07:00"},
	{"Z", "-0700"},
	{"z", "MST"},
}

// JavaLayout translates a Java-style pattern such as "yyyy-MM-dd HH:mm:ss"
// into a Go time layout. Text in single quotes is copied literally.
func JavaLayout(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty datetime pattern")
	}
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		if c == '\'' {
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				return "", fmt.Errorf("unterminated quote in pattern %q", pattern)
			}
			if end == 0 {
				b.WriteByte('\'')
			} else {
				b.WriteString(pattern[i+1 : i+1+end])
			}
			i += end + 2
			continue
		}
		if !isASCIILetter(c) {
			b.WriteByte(c)
			i++
			continue
		}
		matched := false
		for _, tok := range javaLayoutTokens {
			if strings.HasPrefix(pattern[i:], tok.java) {
				b.WriteString(tok.layout)
				i += len(tok.java)
				matched = true
				break
			}
		}
		if !matched {
			return "", fmt.Errorf("unsupported pattern letter %q in %q", c, pattern)
		}
	}
	return b.String(), nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
