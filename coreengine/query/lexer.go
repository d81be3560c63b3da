package query

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenNumber
	TokenString
	TokenQuotedIdent
	TokenSymbol
	TokenSemicolon
	TokenComment
	TokenWhitespace
)

func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenQuotedIdent:
		return "quoted_ident"
	case TokenSymbol:
		return "symbol"
	case TokenSemicolon:
		return "semicolon"
	case TokenComment:
		return "comment"
	case TokenWhitespace:
		return "whitespace"
	}
	return "unknown"
}

// Token is one lexeme. Text is the exact source slice, so concatenating all
// tokens reproduces the input.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// Trivia reports whether the token carries no meaning (whitespace, comments).
func (t Token) Trivia() bool {
	return t.Kind == TokenWhitespace || t.Kind == TokenComment
}

// IsWord reports whether t is the bare keyword or identifier w, ignoring case.
func (t Token) IsWord(w string) bool {
	return t.Kind == TokenWord && strings.EqualFold(t.Text, w)
}

// IsSymbol reports whether t is the symbol s.
func (t Token) IsSymbol(s string) bool {
	return t.Kind == TokenSymbol && t.Text == s
}

// LexError reports input the lexer cannot tokenize.
type LexError struct {
	Pos     int
	Message string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Message)
}

var multiCharSymbols = []string{"<=", ">=", "<>", "!=", "==", "||", "::"}

// Lex splits sql into tokens. String literals use single quotes with ''
// as the escape; identifiers may be quoted with double quotes or backticks.
// On a *LexError the tokens scanned before the failing offset are returned
// with it.
func Lex(sql string) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(sql) {
		start := i
		r, size := utf8.DecodeRuneInString(sql[i:])

		switch {
		case unicode.IsSpace(r):
			for i < len(sql) {
				r, size = utf8.DecodeRuneInString(sql[i:])
				if !unicode.IsSpace(r) {
					break
				}
				i += size
			}
			tokens = append(tokens, Token{Kind: TokenWhitespace, Text: sql[start:i], Pos: start})

		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
			tokens = append(tokens, Token{Kind: TokenComment, Text: sql[start:i], Pos: start})

		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return tokens, &LexError{Pos: start, Message: "unterminated block comment"}
			}
			i += 2 + end + 2
			tokens = append(tokens, Token{Kind: TokenComment, Text: sql[start:i], Pos: start})

		case r == '\'':
			end, ok := scanQuoted(sql, i, '\'')
			if !ok {
				return tokens, &LexError{Pos: start, Message: "unterminated string literal"}
			}
			i = end
			tokens = append(tokens, Token{Kind: TokenString, Text: sql[start:i], Pos: start})

		case r == '"' || r == '`':
			end, ok := scanQuoted(sql, i, byte(r))
			if !ok {
				return tokens, &LexError{Pos: start, Message: "unterminated quoted identifier"}
			}
			i = end
			tokens = append(tokens, Token{Kind: TokenQuotedIdent, Text: sql[start:i], Pos: start})

		case r == ';':
			i += size
			tokens = append(tokens, Token{Kind: TokenSemicolon, Text: ";", Pos: start})

		case isDigit(r) || (r == '.' && i+1 < len(sql) && isDigit(rune(sql[i+1]))):
			i = scanNumber(sql, i)
			tokens = append(tokens, Token{Kind: TokenNumber, Text: sql[start:i], Pos: start})

		case isWordStart(r):
			for i < len(sql) {
				r, size = utf8.DecodeRuneInString(sql[i:])
				if !isWordPart(r) {
					break
				}
				i += size
			}
			tokens = append(tokens, Token{Kind: TokenWord, Text: sql[start:i], Pos: start})

		default:
			text := sql[i : i+size]
			for _, sym := range multiCharSymbols {
				if strings.HasPrefix(sql[i:], sym) {
					text = sym
					break
				}
			}
			i += len(text)
			tokens = append(tokens, Token{Kind: TokenSymbol, Text: text, Pos: start})
		}
	}
	return tokens, nil
}

// scanQuoted returns the offset just past the closing quote starting at
// sql[start]. A doubled quote character is an escaped quote.
func scanQuoted(sql string, start int, quote byte) (int, bool) {
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return 0, false
}

func scanNumber(sql string, i int) int {
	for i < len(sql) && isDigit(rune(sql[i])) {
		i++
	}
	if i < len(sql) && sql[i] == '.' {
		i++
		for i < len(sql) && isDigit(rune(sql[i])) {
			i++
		}
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(rune(sql[j])) {
			i = j
			for i < len(sql) && isDigit(rune(sql[i])) {
				i++
			}
		}
	}
	return i
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isWordStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Significant drops whitespace and comments.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if !t.Trivia() {
			out = append(out, t)
		}
	}
	return out
}
