package rrdata

import (
	"fmt"
	"strings"
)

const maxCharString = 255

// EncodeTXTData encodes zone-file TXT text into character-strings
// (RFC 1035 section 3.3.14). Each quoted segment becomes its own string;
// unquoted text is taken whole. Anything longer than 255 bytes is split.
func EncodeTXTData(data string) ([]byte, error) {
	segments, err := splitQuoted(strings.TrimSpace(data))
	if err != nil {
		return nil, err
	}
	var encoded []byte
	for _, seg := range segments {
		if seg == "" {
			encoded = append(encoded, 0)
			continue
		}
		for len(seg) > 0 {
			n := min(len(seg), maxCharString)
			encoded = append(encoded, byte(n))
			encoded = append(encoded, seg[:n]...)
			seg = seg[n:]
		}
	}
	if len(encoded) == 0 {
		return nil, fmt.Errorf("TXT record must contain at least one string")
	}
	if len(encoded) > 0xFFFF {
		return nil, fmt.Errorf("TXT record too long: %d bytes", len(encoded))
	}
	return encoded, nil
}

// splitQuoted returns the quoted segments of s, or s itself when unquoted.
// A backslash escapes the next byte inside quotes.
func splitQuoted(s string) ([]string, error) {
	if !strings.HasPrefix(s, `"`) {
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	var (
		out []string
		cur strings.Builder
		in  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case !in && c == '"':
			in = true
			cur.Reset()
		case !in && (c == ' ' || c == '\t'):
		case !in:
			return nil, fmt.Errorf("unexpected %q outside quotes in TXT data", c)
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '"':
			in = false
			out = append(out, cur.String())
		default:
			cur.WriteByte(c)
		}
	}
	if in {
		return nil, fmt.Errorf("unterminated quote in TXT data")
	}
	return out, nil
}
