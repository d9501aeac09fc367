package vof

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const propFormatMax = 64

// formatProp renders a property value for the log: printable strings as
// text, anything else as hex words.
func formatProp(value []byte) string {
	if n := len(value); n > 0 && value[n-1] == 0 && printable(value[:n-1]) {
		s := string(value[:n-1])
		if len(s) > propFormatMax {
			s = s[:propFormatMax-3] + "..."
		}
		return s
	}

	var sb strings.Builder
	for i, c := range value {
		if sb.Len() >= propFormatMax-3 {
			sb.WriteString("...")
			break
		}
		if i != 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

// safeString makes console output fit for a single log attribute: escape
// sequences are dropped and other control bytes shown as '~'.
func safeString(b []byte) string {
	s := ansi.Strip(string(b))
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '~'
		}
		return r
	}, s)
}
