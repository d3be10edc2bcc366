package inline

import (
	"fmt"
	"strings"

	"github.com/yairchu/inline-wat/errors"
)

// Param is one declared fragment parameter.
type Param struct {
	Name string // "$x" or "" for positional
	Type string // wasm value type, e.g. "i32"
}

// Fragment is a typed WAT fragment split into its parts.
type Fragment struct {
	Params  []Param
	Result  string   // declared result type, "" for void
	Body    string   // instruction text of the entry function
	Hoisted []string // module-level forms to splice at module scope
}

// Arity returns the number of declared parameters.
func (f *Fragment) Arity() int { return len(f.Params) }

// hoistable heads are legal at module scope, not inside a function body.
var hoistable = map[string]bool{
	"func":   true,
	"data":   true,
	"type":   true,
	"elem":   true,
	"global": true,
	"table":  true,
	"memory": true,
	"import": true,
	"export": true,
	"start":  true,
}

// SplitTyped parses fragment source into params, result, hoisted forms
// and body text. The body keeps its original spelling so the wrapper
// generator can splice it verbatim.
func SplitTyped(src string) (*Fragment, error) {
	forms, err := scanForms(src)
	if err != nil {
		return nil, errors.ParseFailed("fragment", err)
	}

	frag := &Fragment{}
	i := 0

	for i < len(forms) && forms[i].head == "param" {
		params, err := parseParamForm(forms[i].text)
		if err != nil {
			return nil, err
		}
		frag.Params = append(frag.Params, params...)
		i++
	}

	if i < len(forms) && forms[i].head == "result" {
		fields := strings.Fields(trimParens(forms[i].text))
		if len(fields) != 2 {
			return nil, errors.InvalidInput(errors.PhaseParse,
				"result declaration must name exactly one type")
		}
		frag.Result = fields[1]
		i++
	}

	var body []string
	for ; i < len(forms); i++ {
		f := forms[i]
		switch {
		case f.head == "param" || f.head == "result":
			return nil, errors.InvalidInput(errors.PhaseParse,
				fmt.Sprintf("%s declaration after start of body", f.head))
		case hoistable[f.head]:
			frag.Hoisted = append(frag.Hoisted, f.text)
		default:
			body = append(body, f.text)
		}
	}
	frag.Body = strings.Join(body, "\n")
	return frag, nil
}

func parseParamForm(text string) ([]Param, error) {
	fields := strings.Fields(trimParens(text))[1:] // drop "param"
	if len(fields) == 0 {
		return nil, errors.InvalidInput(errors.PhaseParse, "empty param declaration")
	}
	if strings.HasPrefix(fields[0], "$") {
		if len(fields) != 2 {
			return nil, errors.InvalidInput(errors.PhaseParse,
				"named param declares exactly one type")
		}
		return []Param{{Name: fields[0], Type: fields[1]}}, nil
	}
	params := make([]Param, 0, len(fields))
	for _, t := range fields {
		params = append(params, Param{Type: t})
	}
	return params, nil
}

func trimParens(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	return s
}

// form is one top-level form of the fragment source, kept as raw text.
type form struct {
	head string // first atom of a list form, "" for a bare atom
	text string
}

// scanForms splits source into balanced top-level forms without
// interpreting them. Parens inside strings and comments do not count.
func scanForms(src string) ([]form, error) {
	var forms []form
	pos := 0
	for {
		pos = skipSpace(src, pos)
		if pos >= len(src) {
			return forms, nil
		}
		switch src[pos] {
		case ')':
			return nil, fmt.Errorf("unexpected ')' at offset %d", pos)
		case '(':
			end, err := matchList(src, pos)
			if err != nil {
				return nil, err
			}
			forms = append(forms, form{head: listHead(src[pos:end]), text: src[pos:end]})
			pos = end
		case '"':
			end, err := matchString(src, pos)
			if err != nil {
				return nil, err
			}
			forms = append(forms, form{text: src[pos:end]})
			pos = end
		default:
			start := pos
			for pos < len(src) && !isDelim(src[pos]) {
				pos++
			}
			forms = append(forms, form{text: src[start:pos]})
		}
	}
}

func skipSpace(src string, pos int) int {
	for pos < len(src) {
		c := src[pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pos++
		case c == ';' && pos+1 < len(src) && src[pos+1] == ';':
			for pos < len(src) && src[pos] != '\n' {
				pos++
			}
		case c == '(' && pos+1 < len(src) && src[pos+1] == ';':
			depth := 1
			pos += 2
			for pos < len(src) && depth > 0 {
				switch {
				case pos+1 < len(src) && src[pos] == '(' && src[pos+1] == ';':
					depth++
					pos += 2
				case pos+1 < len(src) && src[pos] == ';' && src[pos+1] == ')':
					depth--
					pos += 2
				default:
					pos++
				}
			}
		default:
			return pos
		}
	}
	return pos
}

// matchList returns the offset just past the ')' matching src[pos] == '('.
func matchList(src string, pos int) (int, error) {
	depth := 0
	for pos < len(src) {
		switch src[pos] {
		case '(':
			if pos+1 < len(src) && src[pos+1] == ';' {
				pos = skipSpace(src, pos)
				continue
			}
			depth++
			pos++
		case ')':
			depth--
			pos++
			if depth == 0 {
				return pos, nil
			}
		case ';':
			if pos+1 < len(src) && src[pos+1] == ';' {
				for pos < len(src) && src[pos] != '\n' {
					pos++
				}
			} else {
				pos++
			}
		case '"':
			end, err := matchString(src, pos)
			if err != nil {
				return 0, err
			}
			pos = end
		default:
			pos++
		}
	}
	return 0, fmt.Errorf("unexpected end of input, unclosed list")
}

// matchString returns the offset just past the closing quote.
func matchString(src string, pos int) (int, error) {
	pos++ // opening quote
	for pos < len(src) {
		switch src[pos] {
		case '"':
			return pos + 1, nil
		case '\\':
			pos += 2
		default:
			pos++
		}
	}
	return 0, fmt.Errorf("unexpected end of input in string")
}

func listHead(text string) string {
	inner := strings.TrimSpace(strings.TrimPrefix(text, "("))
	end := 0
	for end < len(inner) && !isDelim(inner[end]) {
		end++
	}
	return inner[:end]
}

func isDelim(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
		c == '(' || c == ')' || c == '"' || c == ';'
}
