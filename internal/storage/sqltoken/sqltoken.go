// Package sqltoken implements the placeholder-aware SQL editing spec.md §9
// describes: a small tokenizer that distinguishes literals, comments, and
// placeholder tokens so that query-building code can safely count and
// append parameter placeholders without miscounting one buried inside a
// string literal or a comment.
package sqltoken

import "strconv"

// Kind classifies a single token produced by Tokenize.
type Kind int

const (
	KindOther Kind = iota
	KindWhitespace
	KindIdentifier
	KindNumber
	KindStringLiteral
	KindLineComment
	KindBlockComment
	KindQuestionPlaceholder
	KindNumberedPlaceholder
)

// Token is one lexical unit of a tokenized SQL string. Text is the token's
// exact source text, including any delimiters (quotes, comment markers).
type Token struct {
	Kind Kind
	Text string
}

// Dialect selects the placeholder syntax a statement is written against.
type Dialect int

const (
	// DialectPositional uses sqlite/mysql-style unnumbered "?" placeholders.
	DialectPositional Dialect = iota
	// DialectNumbered uses postgres-style "$1, $2, ..." placeholders.
	DialectNumbered
)

// Tokenize scans sql and returns its token stream. Placeholders inside a
// string literal or a line/block comment are emitted as part of that
// literal or comment token, never as a placeholder token on their own --
// this is what lets CountPlaceholders ignore them.
func Tokenize(sql string) []Token {
	var tokens []Token
	i, n := 0, len(sql)
	for i < n {
		c := sql[i]
		switch {
		case isSpace(c):
			j := i + 1
			for j < n && isSpace(sql[j]) {
				j++
			}
			tokens = append(tokens, Token{KindWhitespace, sql[i:j]})
			i = j
		case c == '\'':
			j := i + 1
			for j < n {
				if sql[j] == '\'' {
					if j+1 < n && sql[j+1] == '\'' {
						j += 2
						continue
					}
					j++
					break
				}
				j++
			}
			if j > n {
				j = n
			}
			tokens = append(tokens, Token{KindStringLiteral, sql[i:j]})
			i = j
		case c == '-' && i+1 < n && sql[i+1] == '-':
			j := i + 2
			for j < n && sql[j] != '\n' {
				j++
			}
			tokens = append(tokens, Token{KindLineComment, sql[i:j]})
			i = j
		case c == '/' && i+1 < n && sql[i+1] == '*':
			j := i + 2
			for j+1 < n && !(sql[j] == '*' && sql[j+1] == '/') {
				j++
			}
			if j+1 < n {
				j += 2
			} else {
				j = n
			}
			tokens = append(tokens, Token{KindBlockComment, sql[i:j]})
			i = j
		case c == '?':
			tokens = append(tokens, Token{KindQuestionPlaceholder, "?"})
			i++
		case c == '$' && i+1 < n && isDigit(sql[i+1]):
			j := i + 1
			for j < n && isDigit(sql[j]) {
				j++
			}
			tokens = append(tokens, Token{KindNumberedPlaceholder, sql[i:j]})
			i = j
		case isDigit(c):
			j := i + 1
			for j < n && (isDigit(sql[j]) || sql[j] == '.') {
				j++
			}
			tokens = append(tokens, Token{KindNumber, sql[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(sql[j]) {
				j++
			}
			tokens = append(tokens, Token{KindIdentifier, sql[i:j]})
			i = j
		default:
			tokens = append(tokens, Token{KindOther, sql[i : i+1]})
			i++
		}
	}
	return tokens
}

// CountPlaceholders returns the number of real parameter placeholders in
// sql, skipping any "?" or "$N" that appears inside a string literal or a
// line/block comment instead of as a standalone placeholder token.
func CountPlaceholders(sql string) int {
	n := 0
	for _, t := range Tokenize(sql) {
		if t.Kind == KindQuestionPlaceholder || t.Kind == KindNumberedPlaceholder {
			n++
		}
	}
	return n
}

// AppendUserScope appends an " and user_id=?" (or the numbered-placeholder
// equivalent, " and user_id=$N") predicate to sql, realigning the new
// placeholder so a caller can bind params plus a trailing user_id value
// without the parameter count drifting: it returns the edited SQL and the
// 1-based position assigned to the appended placeholder, which is always
// n+1 where n is sql's existing placeholder count.
func AppendUserScope(sql string, dialect Dialect) (string, int) {
	n := CountPlaceholders(sql)
	pos := n + 1
	if dialect == DialectNumbered {
		return sql + " and user_id=$" + strconv.Itoa(pos), pos
	}
	return sql + " and user_id=?", pos
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
