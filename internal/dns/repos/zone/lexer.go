package zone

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// logicalLine is one record after comments, continuations and extra
// whitespace have been removed.
type logicalLine struct {
	text string
	// line is where the record started
	line int
	// inherit is set when the record began with whitespace and so reuses
	// the previous owner
	inherit bool
}

// lexer joins physical lines into logical records. Parentheses continue a
// record across newlines and are dropped; braces delimit an inline probe,
// also span newlines, and are kept. Quoted text is copied verbatim.
type lexer struct {
	r    *bufio.Reader
	line int
}

func newLexer(r io.Reader) *lexer {
	return &lexer{r: bufio.NewReader(r), line: 1}
}

func (l *lexer) read() (byte, error) {
	c, err := l.r.ReadByte()
	if err == nil && c == '\n' {
		l.line++
	}
	return c, err
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v'
}

// next returns the next non-empty logical line, or io.EOF.
func (l *lexer) next() (logicalLine, error) {
	var (
		buf     strings.Builder
		depth   int
		brace   bool
		start   = l.line
		content bool
	)
	emitSpace := func() {
		s := buf.String()
		if s == "" || s[len(s)-1] != ' ' {
			buf.WriteByte(' ')
		}
	}
	finish := func() logicalLine {
		s := buf.String()
		return logicalLine{
			text:    strings.TrimSpace(s),
			line:    start,
			inherit: strings.HasPrefix(s, " "),
		}
	}

	for {
		c, err := l.read()
		if errors.Is(err, io.EOF) {
			if depth > 0 {
				return logicalLine{}, syntaxErr(start, "unexpected end of file inside parentheses")
			}
			if content {
				return finish(), nil
			}
			return logicalLine{}, io.EOF
		}
		if err != nil {
			return logicalLine{}, err
		}

		switch {
		case c == ';':
			for c != '\n' {
				if c, err = l.read(); err != nil {
					break
				}
			}
			if err == nil {
				if err := l.r.UnreadByte(); err != nil {
					return logicalLine{}, err
				}
				l.line--
			}
		case c == '"':
			buf.WriteByte(c)
			content = true
			for {
				c, err = l.read()
				if err != nil {
					return logicalLine{}, syntaxErr(start, "unterminated quote")
				}
				buf.WriteByte(c)
				if c == '\\' {
					if c, err = l.read(); err != nil {
						return logicalLine{}, syntaxErr(start, "unterminated quote")
					}
					buf.WriteByte(c)
					continue
				}
				if c == '"' {
					break
				}
			}
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 || (brace && depth == 1) {
				return logicalLine{}, syntaxErr(l.line, "unexpected )")
			}
			depth--
		case c == '{':
			if brace {
				return logicalLine{}, syntaxErr(l.line, "nested {")
			}
			brace = true
			depth++
			buf.WriteByte(c)
			content = true
		case c == '}':
			if !brace {
				return logicalLine{}, syntaxErr(l.line, "unexpected }")
			}
			brace = false
			depth--
			buf.WriteByte(c)
		case c == '\n':
			if depth > 0 {
				emitSpace()
				continue
			}
			if content {
				return finish(), nil
			}
			buf.Reset()
			start = l.line
		case isSpace(c):
			emitSpace()
		default:
			buf.WriteByte(c)
			content = true
		}
	}
}
