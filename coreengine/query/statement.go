package query

import (
	"fmt"
	"strconv"
	"strings"
)

// CountAlias is the column name of the derived row-count query.
const CountAlias = "count"

// Statement is a single SQL statement with its terminators and top-level
// LIMIT clauses removed. The row limit is tracked separately and only ever
// rendered once, by WithLimit.
type Statement struct {
	body        []Token
	limits      []int
	terminators int
}

// Parse lexes sql into a Statement. Trailing semicolons are dropped; any
// meaningful token after a semicolon is a second statement and is rejected.
func Parse(sql string) (*Statement, error) {
	tokens, err := Lex(sql)
	if err != nil {
		return nil, err
	}

	st := &Statement{}
	kept := make([]Token, 0, len(tokens))
	for i, t := range tokens {
		if t.Kind != TokenSemicolon {
			kept = append(kept, t)
			continue
		}
		st.terminators++
		for _, rest := range tokens[i+1:] {
			if !rest.Trivia() && rest.Kind != TokenSemicolon {
				return nil, &LexError{Pos: rest.Pos, Message: "multiple statements are not allowed"}
			}
		}
	}

	body, limits, err := stripLimits(kept)
	if err != nil {
		return nil, err
	}
	if len(Significant(body)) == 0 {
		return nil, &LexError{Pos: 0, Message: "empty statement"}
	}
	st.body = body
	st.limits = limits
	return st, nil
}

// stripLimits removes every LIMIT n [OFFSET m | , m] clause at parenthesis
// depth zero. Limits inside subqueries belong to the subquery and are kept.
func stripLimits(tokens []Token) ([]Token, []int, error) {
	var (
		out    = make([]Token, 0, len(tokens))
		limits []int
		depth  int
	)
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch {
		case t.IsSymbol("("):
			depth++
		case t.IsSymbol(")"):
			depth--
		}
		if depth != 0 || !t.IsWord("LIMIT") {
			out = append(out, t)
			continue
		}

		j, n, ok := nextNumber(tokens, i+1)
		if !ok {
			return nil, nil, &LexError{Pos: t.Pos, Message: "LIMIT must be followed by a row count"}
		}
		limits = append(limits, n)
		if k, ok := nextSignificant(tokens, j); ok && (tokens[k].IsWord("OFFSET") || tokens[k].IsSymbol(",")) {
			j2, _, ok := nextNumber(tokens, k+1)
			if !ok {
				return nil, nil, &LexError{Pos: tokens[k].Pos, Message: "OFFSET must be followed by a number"}
			}
			j = j2
		}
		i = j - 1
	}
	return out, limits, nil
}

// nextSignificant returns the index of the first non-trivia token at or after i.
func nextSignificant(tokens []Token, i int) (int, bool) {
	for ; i < len(tokens); i++ {
		if !tokens[i].Trivia() {
			return i, true
		}
	}
	return 0, false
}

// nextNumber parses the integer at the next significant token and returns
// the index just past it.
func nextNumber(tokens []Token, i int) (int, int, bool) {
	k, ok := nextSignificant(tokens, i)
	if !ok || tokens[k].Kind != TokenNumber {
		return 0, 0, false
	}
	n, err := strconv.Atoi(tokens[k].Text)
	if err != nil {
		return 0, 0, false
	}
	return k + 1, n, true
}

// HadLimit reports whether the source carried a top-level LIMIT clause.
func (s *Statement) HadLimit() bool { return len(s.limits) > 0 }

// StrippedLimits returns the row counts of the removed LIMIT clauses.
func (s *Statement) StrippedLimits() []int { return append([]int(nil), s.limits...) }

// HadTerminator reports whether the source ended in one or more semicolons.
func (s *Statement) HadTerminator() bool { return s.terminators > 0 }

// Tokens returns the significant tokens of the body.
func (s *Statement) Tokens() []Token { return Significant(s.body) }

// Body renders the statement without any limit or terminator. Runs of
// whitespace and comments become a single space, so an appended clause can
// never end up inside a line comment. Literals are kept verbatim.
func (s *Statement) Body() string {
	var b strings.Builder
	pendingSpace := false
	for _, t := range s.body {
		if t.Trivia() {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// WithLimit renders the body followed by exactly one LIMIT clause.
func (s *Statement) WithLimit(n int) string {
	return fmt.Sprintf("%s LIMIT %d", s.Body(), n)
}

// CountQuery renders the derived row-count query over the unlimited body.
func (s *Statement) CountQuery() string {
	return fmt.Sprintf("SELECT COUNT(*) AS %s FROM (%s) AS segment_base", CountAlias, s.Body())
}

// SelectsAll reports whether the outermost SELECT list starts with "*".
func (s *Statement) SelectsAll() bool {
	tokens := s.Tokens()
	for i, t := range tokens {
		if !t.IsWord("SELECT") {
			continue
		}
		j := i + 1
		for j < len(tokens) && (tokens[j].IsWord("DISTINCT") || tokens[j].IsWord("ALL")) {
			j++
		}
		return j < len(tokens) && tokens[j].IsSymbol("*")
	}
	return false
}

// Tables lists identifiers following FROM or JOIN in order of appearance,
// without duplicates. A FROM followed by a subquery names no table itself.
func (s *Statement) Tables() []string {
	tokens := s.Tokens()
	seen := make(map[string]bool)
	var out []string
	for i := 0; i+1 < len(tokens); i++ {
		if !tokens[i].IsWord("FROM") && !tokens[i].IsWord("JOIN") {
			continue
		}
		next := tokens[i+1]
		var name string
		switch next.Kind {
		case TokenWord:
			name = next.Text
		case TokenQuotedIdent:
			name = UnquoteIdent(next.Text)
		default:
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// UnquoteIdent removes identifier quotes and unescapes doubled quotes.
func UnquoteIdent(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	if (q != '"' && q != '`') || s[len(s)-1] != q {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], string([]byte{q, q}), string(q))
}
