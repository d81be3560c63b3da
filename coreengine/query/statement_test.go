package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// LEXER
// =============================================================================

func TestLexRoundTrip(t *testing.T) {
	inputs := []string{
		`SELECT * FROM bank_customers WHERE job = 'self-employed' AND balance >= 1.5e3`,
		"SELECT \"default\", `loan` FROM t -- trailing\n",
		`SELECT 'it''s' /* note */ FROM t WHERE a <> 1 AND b != 2;`,
	}
	for _, in := range inputs {
		tokens, err := Lex(in)
		require.NoError(t, err)
		var b strings.Builder
		for _, tok := range tokens {
			b.WriteString(tok.Text)
		}
		assert.Equal(t, in, b.String())
	}
}

func TestLexKinds(t *testing.T) {
	tokens, err := Lex(`SELECT 'DROP TABLE x' AS "update" FROM t;`)
	require.NoError(t, err)
	sig := Significant(tokens)

	kinds := make([]TokenKind, len(sig))
	for i, tok := range sig {
		kinds[i] = tok.Kind
	}
	assert.Equal(t, []TokenKind{
		TokenWord, TokenString, TokenWord, TokenQuotedIdent, TokenWord, TokenWord, TokenSemicolon,
	}, kinds)
	assert.Equal(t, "'DROP TABLE x'", sig[1].Text)
}

func TestLexSymbols(t *testing.T) {
	tokens, err := Lex(`a<=b>=c<>d!=e=f`)
	require.NoError(t, err)
	var symbols []string
	for _, tok := range tokens {
		if tok.Kind == TokenSymbol {
			symbols = append(symbols, tok.Text)
		}
	}
	assert.Equal(t, []string{"<=", ">=", "<>", "!=", "="}, symbols)
}

func TestLexErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"unterminated string", `SELECT 'abc`},
		{"unterminated identifier", `SELECT "abc`},
		{"unterminated comment", `SELECT /* abc`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Lex(tt.sql)
			var lexErr *LexError
			require.ErrorAs(t, err, &lexErr)
		})
	}
}

// =============================================================================
// STATEMENT
// =============================================================================

func TestParseStripsTerminatorsAndLimits(t *testing.T) {
	tests := []struct {
		name       string
		sql        string
		body       string
		hadLimit   bool
		hadTermina bool
	}{
		{"plain", "SELECT * FROM t WHERE a = 1", "SELECT * FROM t WHERE a = 1", false, false},
		{"terminator", "SELECT * FROM t;", "SELECT * FROM t", false, true},
		{"two terminators", "SELECT * FROM t ; ;\n", "SELECT * FROM t", false, true},
		{"limit", "SELECT * FROM t LIMIT 10", "SELECT * FROM t", true, false},
		{"lowercase limit and offset", "select * from t limit 10 offset 5;", "select * from t", true, true},
		{"mysql style limit", "SELECT * FROM t LIMIT 5, 10", "SELECT * FROM t", true, false},
		{"two limits", "SELECT * FROM t LIMIT 10 LIMIT 20", "SELECT * FROM t", true, false},
		{"subquery limit kept", "SELECT * FROM (SELECT * FROM t LIMIT 3) s", "SELECT * FROM (SELECT * FROM t LIMIT 3) s", false, false},
		{"limit in literal kept", "SELECT * FROM t WHERE note = 'LIMIT 5'", "SELECT * FROM t WHERE note = 'LIMIT 5'", false, false},
		{"comment removed", "SELECT * FROM t -- all rows\nWHERE a = 1", "SELECT * FROM t WHERE a = 1", false, false},
		{"literal whitespace kept", "SELECT * FROM t WHERE job = 'a  b'", "SELECT * FROM t WHERE job = 'a  b'", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.body, st.Body())
			assert.Equal(t, tt.hadLimit, st.HadLimit())
			assert.Equal(t, tt.hadTermina, st.HadTerminator())
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"second statement", "SELECT * FROM t; DROP TABLE t"},
		{"empty", "  ; "},
		{"comment only", "-- nothing"},
		{"limit without count", "SELECT * FROM t LIMIT"},
		{"limit with expression", "SELECT * FROM t LIMIT ALL"},
		{"unterminated literal", "SELECT * FROM t WHERE a = 'x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.sql)
			assert.Error(t, err)
		})
	}
}

func TestWithLimitHasExactlyOneLimit(t *testing.T) {
	st, err := Parse("SELECT * FROM t LIMIT 50; -- done")
	require.NoError(t, err)

	out := st.WithLimit(1000)
	assert.Equal(t, "SELECT * FROM t LIMIT 1000", out)
	assert.Equal(t, 1, strings.Count(strings.ToUpper(out), "LIMIT"))
	assert.NotContains(t, out, ";")
	assert.Equal(t, []int{50}, st.StrippedLimits())
}

func TestCountQuery(t *testing.T) {
	st, err := Parse("SELECT * FROM bank_customers WHERE age > 30 LIMIT 1000")
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) AS count FROM (SELECT * FROM bank_customers WHERE age > 30) AS segment_base",
		st.CountQuery())
}

func TestSelectsAll(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM t", true},
		{"select distinct * from t", true},
		{"SELECT age, job FROM t", false},
		{"SELECT COUNT(*) FROM t", false},
		{"SELECT t.* FROM t", false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			st, err := Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.SelectsAll())
		})
	}
}

func TestTables(t *testing.T) {
	st, err := Parse(`SELECT * FROM bank_customers b JOIN "bank ""meta""" m ON b.id = m.id JOIN bank_customers x ON 1 = 1`)
	require.NoError(t, err)
	assert.Equal(t, []string{"bank_customers", `bank "meta"`}, st.Tables())
}

// =============================================================================
// SELECT
// =============================================================================

func TestIdent(t *testing.T) {
	assert.Equal(t, "age", Ident("age"))
	assert.Equal(t, `"default"`, Ident("default"))
	assert.Equal(t, `"Default"`, Ident("Default"))
	assert.Equal(t, `"emp.var.rate"`, Ident("emp.var.rate"))
	assert.Equal(t, `"a""b"`, Ident(`a"b`))
}
