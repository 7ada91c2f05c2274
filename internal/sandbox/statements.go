package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type stmtKind int

const (
	stmtExpr stmtKind = iota
	stmtAssign
	stmtDelete
	stmtImport
)

// statement is one parsed line (or bracket-continued lines) of a snippet.
type statement struct {
	Line   int // 1-based line where the statement starts
	Text   string
	Kind   stmtKind
	Target target
	Op     byte   // compound assignment operator, 0 for plain "="
	Expr   string // right-hand side, or the whole expression for stmtExpr
}

// target is the left-hand side of an assignment or delete.
type target struct {
	Text      string     // source text, reused to read the current value
	Local     string     // local variable name; empty for context targets
	IsContext bool       // true when the target is context or a path into it
	Path      []accessor // empty with IsContext means the whole context
}

// accessor is one ".name" or "[expr]" step of a context path.
type accessor struct {
	Key  string // literal key, set when Expr is empty
	Expr string // index expression evaluated at run time
}

var (
	identPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	importPattern = regexp.MustCompile(`^(import\s|from\s+\S+\s+import\s)`)
)

// splitStatements breaks code into statements. A statement ends at a line
// break outside brackets and string literals. Blank lines and lines starting
// with "#" or "//" are skipped.
func splitStatements(code string) ([]statement, error) {
	var (
		stmts []statement
		buf   strings.Builder
		start int
		sc    scanner
	)
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if buf.Len() == 0 {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
				continue
			}
			start = i + 1
		} else {
			buf.WriteByte('\n')
		}
		kept, err := sc.feed(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		buf.WriteString(kept)
		if sc.open() {
			continue
		}
		text := strings.TrimSuffix(strings.TrimSpace(buf.String()), ";")
		buf.Reset()
		st, err := parseStatement(strings.TrimSpace(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", start, err)
		}
		st.Line = start
		stmts = append(stmts, st)
	}
	if buf.Len() > 0 {
		return nil, fmt.Errorf("line %d: unterminated statement", start)
	}
	return stmts, nil
}

// scanner tracks bracket depth and string state across lines.
type scanner struct {
	depth int
	quote byte // open quote character, 0 outside strings
}

func (s *scanner) open() bool {
	return s.depth > 0 || s.quote == '`'
}

// feed consumes one line and returns it without any trailing "#" comment.
func (s *scanner) feed(line string) (string, error) {
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if s.quote != 0 {
			switch {
			case ch == '\\' && s.quote != '`':
				i++
			case ch == s.quote:
				s.quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			s.quote = ch
		case '#':
			// Inside brackets "#" is the expr predicate placeholder.
			if s.depth == 0 {
				return line[:i], nil
			}
		case '(', '[', '{':
			s.depth++
		case ')', ']', '}':
			s.depth--
			if s.depth < 0 {
				return "", fmt.Errorf("unbalanced %q", ch)
			}
		}
	}
	if s.quote == '"' || s.quote == '\'' {
		s.quote = 0
		return "", fmt.Errorf("unterminated string literal")
	}
	return line, nil
}

// parseStatement classifies a single statement.
func parseStatement(text string) (statement, error) {
	st := statement{Text: text}

	if importPattern.MatchString(text + " ") {
		st.Kind = stmtImport
		return st, nil
	}

	if rest, ok := cutKeyword(text, "delete"); ok {
		tgt, err := parseTarget(rest)
		if err != nil {
			return st, err
		}
		if !tgt.IsContext || len(tgt.Path) == 0 {
			return st, fmt.Errorf("delete needs a context key, got %q", rest)
		}
		st.Kind = stmtDelete
		st.Target = tgt
		return st, nil
	}

	lhs, op, rhs, found := splitAssignment(text)
	isLet := false
	if rest, ok := cutKeyword(lhs, "let"); ok && found {
		lhs = rest
		isLet = true
	}
	if !found {
		if _, ok := cutKeyword(text, "let"); ok {
			return st, fmt.Errorf("let needs an assignment")
		}
		st.Kind = stmtExpr
		st.Expr = text
		return st, nil
	}
	if strings.TrimSpace(rhs) == "" {
		return st, fmt.Errorf("missing value after %q", "=")
	}

	tgt, err := parseTarget(lhs)
	if err != nil {
		return st, err
	}
	if isLet && (tgt.IsContext || op != 0) {
		return st, fmt.Errorf("let can only declare a variable, got %q", lhs)
	}
	st.Kind = stmtAssign
	st.Target = tgt
	st.Op = op
	st.Expr = strings.TrimSpace(rhs)
	return st, nil
}

// cutKeyword strips a leading keyword followed by whitespace.
func cutKeyword(text, kw string) (string, bool) {
	if !strings.HasPrefix(text, kw) || len(text) == len(kw) {
		return "", false
	}
	if c := text[len(kw)]; c != ' ' && c != '\t' {
		return "", false
	}
	return strings.TrimSpace(text[len(kw):]), true
}

// splitAssignment finds the first top-level "=" that is not part of a
// comparison operator. A preceding + - * / makes it a compound assignment.
func splitAssignment(text string) (lhs string, op byte, rhs string, found bool) {
	var (
		depth int
		quote byte
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch {
			case ch == '\\' && quote != '`':
				i++
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i+1 < len(text) && text[i+1] == '=' {
				i++
				continue
			}
			if i == 0 {
				return "", 0, "", false
			}
			prev := text[i-1]
			switch prev {
			case '=', '!', '<', '>':
				continue
			case '+', '-', '*', '/':
				return strings.TrimSpace(text[:i-1]), prev, text[i+1:], true
			}
			return strings.TrimSpace(text[:i]), 0, text[i+1:], true
		}
	}
	return "", 0, "", false
}

// parseTarget parses an assignable expression: a variable name, "context",
// or a context path built from ".name" and "[expr]" steps.
func parseTarget(text string) (target, error) {
	text = strings.TrimSpace(text)
	tgt := target{Text: text}

	if identPattern.MatchString(text) {
		if text == "context" {
			tgt.IsContext = true
			return tgt, nil
		}
		tgt.Local = text
		return tgt, nil
	}

	rest, ok := strings.CutPrefix(text, "context")
	if !ok || rest == "" || (rest[0] != '.' && rest[0] != '[') {
		return tgt, fmt.Errorf("cannot assign to %q", text)
	}
	tgt.IsContext = true

	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			end := 1
			for end < len(rest) && rest[end] != '.' && rest[end] != '[' {
				end++
			}
			name := strings.TrimSpace(rest[1:end])
			if !identPattern.MatchString(name) {
				return tgt, fmt.Errorf("invalid key %q in %q", name, text)
			}
			tgt.Path = append(tgt.Path, accessor{Key: name})
			rest = rest[end:]
		case '[':
			end, err := matchBracket(rest)
			if err != nil {
				return tgt, fmt.Errorf("%w in %q", err, text)
			}
			inner := strings.TrimSpace(rest[1:end])
			if inner == "" {
				return tgt, fmt.Errorf("empty index in %q", text)
			}
			if key, ok := stringLiteral(inner); ok {
				tgt.Path = append(tgt.Path, accessor{Key: key})
			} else {
				tgt.Path = append(tgt.Path, accessor{Expr: inner})
			}
			rest = strings.TrimSpace(rest[end+1:])
		default:
			return tgt, fmt.Errorf("cannot assign to %q", text)
		}
	}
	return tgt, nil
}

// matchBracket returns the index of the "]" closing the "[" at s[0].
func matchBracket(s string) (int, error) {
	return matchClosing(s, ']')
}

// matchClosing returns the index of the bracket closing the one at s[0],
// which must be closed by want.
func matchClosing(s string, want byte) (int, error) {
	var (
		depth int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch {
			case ch == '\\' && quote != '`':
				i++
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			quote = ch
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
			if depth == 0 {
				if ch != want {
					return 0, fmt.Errorf("mismatched %q", ch)
				}
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unclosed %q", s[:1])
}

// printCall reports whether expression is a single call to print and
// returns its argument list.
func printCall(expression string) (string, bool) {
	expression = strings.TrimSpace(expression)
	rest, ok := strings.CutPrefix(expression, "print")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "(") {
		return "", false
	}
	end, err := matchClosing(rest, ')')
	if err != nil || end != len(rest)-1 {
		return "", false
	}
	return rest[1:end], true
}

// stringLiteral reports whether s is a single quoted string literal and
// returns its value.
func stringLiteral(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	switch s[0] {
	case '"':
		v, err := strconv.Unquote(s)
		return v, err == nil
	case '\'':
		if s[len(s)-1] != '\'' {
			return "", false
		}
		body := s[1 : len(s)-1]
		if strings.ContainsAny(body, `'\`) {
			return "", false
		}
		return body, true
	case '`':
		if s[len(s)-1] != '`' || strings.Contains(s[1:len(s)-1], "`") {
			return "", false
		}
		return s[1 : len(s)-1], true
	}
	return "", false
}
