package wat

import (
	"fmt"
	"strings"
)

// node is one s-expression: either a leaf atom/string or a list.
type node struct {
	atom string
	list []*node
	leaf bool
	str  bool // leaf was a quoted string (atom holds the unescaped bytes)
}

func (n *node) head() string {
	if n == nil || n.leaf || len(n.list) == 0 || !n.list[0].leaf {
		return ""
	}
	return n.list[0].atom
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) skipSpace() error {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			s.pos++
		case c == ';' && s.pos+1 < len(s.src) && s.src[s.pos+1] == ';':
			for s.pos < len(s.src) && s.src[s.pos] != '\n' {
				s.pos++
			}
		case c == '(' && s.pos+1 < len(s.src) && s.src[s.pos+1] == ';':
			depth := 1
			s.pos += 2
			for s.pos < len(s.src) && depth > 0 {
				if s.pos+1 < len(s.src) && s.src[s.pos] == '(' && s.src[s.pos+1] == ';' {
					depth++
					s.pos += 2
				} else if s.pos+1 < len(s.src) && s.src[s.pos] == ';' && s.src[s.pos+1] == ')' {
					depth--
					s.pos += 2
				} else {
					s.pos++
				}
			}
			if depth > 0 {
				return fmt.Errorf("unexpected end of input in block comment")
			}
		default:
			return nil
		}
	}
	return nil
}

func (s *scanner) next() (*node, error) {
	if err := s.skipSpace(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.src) {
		return nil, nil
	}

	switch c := s.src[s.pos]; {
	case c == '(':
		s.pos++
		n := &node{}
		for {
			if err := s.skipSpace(); err != nil {
				return nil, err
			}
			if s.pos >= len(s.src) {
				return nil, fmt.Errorf("unexpected end of input, unclosed list")
			}
			if s.src[s.pos] == ')' {
				s.pos++
				return n, nil
			}
			child, err := s.next()
			if err != nil {
				return nil, err
			}
			if child == nil {
				return nil, fmt.Errorf("unexpected end of input, unclosed list")
			}
			n.list = append(n.list, child)
		}
	case c == ')':
		return nil, fmt.Errorf("unexpected ')' at offset %d", s.pos)
	case c == '"':
		return s.stringLit()
	default:
		start := s.pos
		for s.pos < len(s.src) && !isDelim(s.src[s.pos]) {
			s.pos++
		}
		return &node{leaf: true, atom: s.src[start:s.pos]}, nil
	}
}

func isDelim(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')' || c == '"' || c == ';'
}

func (s *scanner) stringLit() (*node, error) {
	s.pos++ // opening quote
	var b strings.Builder
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch c {
		case '"':
			s.pos++
			return &node{leaf: true, str: true, atom: b.String()}, nil
		case '\\':
			s.pos++
			if s.pos >= len(s.src) {
				return nil, fmt.Errorf("unexpected end of input in string")
			}
			e := s.src[s.pos]
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\'', '\\':
				b.WriteByte(e)
			default:
				// two hex digits
				if s.pos+1 >= len(s.src) {
					return nil, fmt.Errorf("invalid string escape")
				}
				hi, ok1 := hexVal(s.src[s.pos])
				lo, ok2 := hexVal(s.src[s.pos+1])
				if !ok1 || !ok2 {
					return nil, fmt.Errorf("invalid string escape \\%c", e)
				}
				b.WriteByte(hi<<4 | lo)
				s.pos++
			}
			s.pos++
		default:
			b.WriteByte(c)
			s.pos++
		}
	}
	return nil, fmt.Errorf("unexpected end of input in string")
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// parseAll returns the top-level forms of src.
func parseAll(src string) ([]*node, error) {
	s := &scanner{src: src}
	var nodes []*node
	for {
		n, err := s.next()
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nodes, nil
		}
		nodes = append(nodes, n)
	}
}
