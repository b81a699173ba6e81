package parse

import (
	"bytes"
	"strconv"

	"tlog.app/go/errors"
)

type (
	// lexer reads tokens from a single line.
	lexer struct {
		b []byte
		i int
	}
)

func (l *lexer) skip() {
	l.i = SpaceTab.Skip(l.b, l.i)
}

// end reports whether only spaces and a comment are left.
func (l *lexer) end() bool {
	l.skip()

	return l.i == len(l.b) || bytes.HasPrefix(l.b[l.i:], []byte("//"))
}

func (l *lexer) peek() byte {
	l.skip()

	if l.i == len(l.b) {
		return 0
	}

	return l.b[l.i]
}

func (l *lexer) eat(c byte) bool {
	if l.peek() != c {
		return false
	}

	l.i++

	return true
}

func (l *lexer) expect(c byte) error {
	if !l.eat(c) {
		return errors.New("%q expected at %d", c, l.i)
	}

	return nil
}

func (l *lexer) keyword(w string) bool {
	l.skip()

	if !bytes.HasPrefix(l.b[l.i:], []byte(w)) {
		return false
	}

	e := l.i + len(w)
	if e < len(l.b) && isNameChar(l.b[e]) {
		return false
	}

	l.i = e

	return true
}

func (l *lexer) atKeyword(w string) bool {
	st := l.i
	ok := l.keyword(w)
	l.i = st

	return ok
}

// ident reads a label, op or function name.
func (l *lexer) ident() (string, bool) {
	l.skip()

	i := l.i

	if i == len(l.b) || !isNameStart(l.b[i]) {
		return "", false
	}

	for i < len(l.b) && isNameChar(l.b[i]) {
		i++
	}

	s := string(l.b[l.i:i])
	l.i = i

	return s, true
}

// reg reads %name and returns the name.
func (l *lexer) reg() (string, bool) {
	l.skip()

	if l.i == len(l.b) || l.b[l.i] != '%' {
		return "", false
	}

	i := l.i + 1

	for i < len(l.b) && isNameChar(l.b[i]) {
		i++
	}

	if i == l.i+1 {
		return "", false
	}

	s := string(l.b[l.i+1 : i])
	l.i = i

	return s, true
}

func (l *lexer) int() (int64, bool, error) {
	l.skip()

	i := l.i

	if i < len(l.b) && l.b[i] == '-' {
		i++
	}

	st := i

	for i < len(l.b) && l.b[i] >= '0' && l.b[i] <= '9' {
		i++
	}

	if i == st {
		return 0, false, nil
	}

	v, err := strconv.ParseInt(string(l.b[l.i:i]), 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "integer")
	}

	l.i = i

	return v, true, nil
}

func isNameStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '.'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}
