package browser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Action is one parsed call of the action grammar, e.g. click('12').
type Action struct {
	Name string
	Args []interface{} // string, float64 or []string
}

func (a Action) String() string {
	parts := make([]string, len(a.Args))
	for i, arg := range a.Args {
		parts[i] = formatArg(arg)
	}
	return a.Name + "(" + strings.Join(parts, ", ") + ")"
}

func formatArg(arg interface{}) string {
	switch v := arg.(type) {
	case string:
		return quote(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []string:
		items := make([]string, len(v))
		for i, s := range v {
			items[i] = quote(s)
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	return fmt.Sprint(arg)
}

// quote renders s as a single-quoted action literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return "'" + s + "'"
}

type arity struct{ min, max int }

var actionArity = map[string]arity{
	"goto":          {1, 1},
	"click":         {1, 2},
	"dblclick":      {1, 2},
	"hover":         {1, 1},
	"fill":          {2, 2},
	"clear":         {1, 1},
	"press":         {2, 2},
	"focus":         {1, 1},
	"select_option": {2, 2},
	"scroll":        {2, 2},
	"go_back":       {0, 0},
	"go_forward":    {0, 0},
	"new_tab":       {0, 0},
	"tab_focus":     {1, 1},
	"tab_close":     {0, 0},
	"noop":          {0, 1},
}

// ParseActions parses an action string. Each non-blank line holds one call;
// lines starting with # are ignored.
func ParseActions(src string) ([]Action, error) {
	var actions []Action
	for n, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		action, err := parseCall(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if err := action.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("no action found in %q", src)
	}
	return actions, nil
}

func (a Action) validate() error {
	want, ok := actionArity[a.Name]
	if !ok {
		return fmt.Errorf("unknown action %q", a.Name)
	}
	if len(a.Args) < want.min || len(a.Args) > want.max {
		if want.min == want.max {
			return fmt.Errorf("%s() takes %d argument(s), got %d", a.Name, want.min, len(a.Args))
		}
		return fmt.Errorf("%s() takes %d to %d arguments, got %d", a.Name, want.min, want.max, len(a.Args))
	}

	switch a.Name {
	case "scroll":
		for i := range a.Args {
			if _, err := a.number(i); err != nil {
				return err
			}
		}
	case "tab_focus", "noop":
		if len(a.Args) == 1 {
			if _, err := a.number(0); err != nil {
				return err
			}
		}
	case "select_option":
		if _, err := a.str(0); err != nil {
			return err
		}
		if _, err := a.stringList(1); err != nil {
			return err
		}
	default:
		for i := range a.Args {
			if _, err := a.str(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a Action) str(i int) (string, error) {
	s, ok := a.Args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s(): argument %d must be a string", a.Name, i+1)
	}
	return s, nil
}

func (a Action) number(i int) (float64, error) {
	f, ok := a.Args[i].(float64)
	if !ok {
		return 0, fmt.Errorf("%s(): argument %d must be a number", a.Name, i+1)
	}
	return f, nil
}

// stringList accepts a single string or a list of strings.
func (a Action) stringList(i int) ([]string, error) {
	switch v := a.Args[i].(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	}
	return nil, fmt.Errorf("%s(): argument %d must be a string or a list of strings", a.Name, i+1)
}

// actionScanner reads a single call: name '(' [arg {',' arg}] ')'.
type actionScanner struct {
	src []rune
	pos int
}

func parseCall(line string) (Action, error) {
	s := &actionScanner{src: []rune(line)}

	name := s.ident()
	if name == "" {
		return Action{}, fmt.Errorf("expected action name in %q", line)
	}
	s.skipSpace()
	if !s.accept('(') {
		return Action{}, fmt.Errorf("expected '(' after %s", name)
	}

	action := Action{Name: name}
	s.skipSpace()
	if !s.accept(')') {
		for {
			arg, err := s.value()
			if err != nil {
				return Action{}, fmt.Errorf("%s(): %w", name, err)
			}
			action.Args = append(action.Args, arg)
			s.skipSpace()
			if s.accept(')') {
				break
			}
			if !s.accept(',') {
				return Action{}, fmt.Errorf("%s(): expected ',' or ')' at column %d", name, s.pos+1)
			}
			s.skipSpace()
		}
	}

	s.skipSpace()
	if s.pos != len(s.src) {
		return Action{}, fmt.Errorf("unexpected %q after %s()", string(s.src[s.pos:]), name)
	}
	return action, nil
}

func (s *actionScanner) peek() rune {
	if s.pos >= len(s.src) {
		return 0
	}
	return s.src[s.pos]
}

func (s *actionScanner) accept(r rune) bool {
	if s.peek() == r && s.pos < len(s.src) {
		s.pos++
		return true
	}
	return false
}

func (s *actionScanner) skipSpace() {
	for s.pos < len(s.src) && unicode.IsSpace(s.src[s.pos]) {
		s.pos++
	}
}

func (s *actionScanner) ident() string {
	start := s.pos
	for s.pos < len(s.src) {
		r := s.src[s.pos]
		if r != '_' && !unicode.IsLetter(r) && !(s.pos > start && unicode.IsDigit(r)) {
			break
		}
		s.pos++
	}
	return string(s.src[start:s.pos])
}

func (s *actionScanner) value() (interface{}, error) {
	switch r := s.peek(); {
	case r == '\'' || r == '"':
		return s.quoted()
	case r == '[':
		return s.list()
	case r == '-' || r == '.' || unicode.IsDigit(r):
		return s.number()
	case r == 0:
		return nil, fmt.Errorf("unexpected end of input")
	default:
		return nil, fmt.Errorf("unexpected %q at column %d", r, s.pos+1)
	}
}

func (s *actionScanner) list() ([]string, error) {
	s.pos++ // [
	items := []string{}
	s.skipSpace()
	if s.accept(']') {
		return items, nil
	}
	for {
		if r := s.peek(); r != '\'' && r != '"' {
			return nil, fmt.Errorf("list items must be strings")
		}
		item, err := s.quoted()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		s.skipSpace()
		if s.accept(']') {
			return items, nil
		}
		if !s.accept(',') {
			return nil, fmt.Errorf("expected ',' or ']' at column %d", s.pos+1)
		}
		s.skipSpace()
	}
}

func (s *actionScanner) number() (float64, error) {
	start := s.pos
	if s.peek() == '-' {
		s.pos++
	}
	for s.pos < len(s.src) && (unicode.IsDigit(s.src[s.pos]) || s.src[s.pos] == '.') {
		s.pos++
	}
	text := string(s.src[start:s.pos])
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	return f, nil
}

func (s *actionScanner) quoted() (string, error) {
	open := s.src[s.pos]
	s.pos++
	var b strings.Builder
	for s.pos < len(s.src) {
		r := s.src[s.pos]
		s.pos++
		switch r {
		case open:
			return b.String(), nil
		case '\\':
			if s.pos >= len(s.src) {
				return "", fmt.Errorf("unterminated string")
			}
			esc := s.src[s.pos]
			s.pos++
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(esc)
			}
		default:
			b.WriteRune(r)
		}
	}
	return "", fmt.Errorf("unterminated string")
}
