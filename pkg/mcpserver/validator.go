// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"fmt"
	"strings"
)

// readKeywords are the statement-leading keywords the gateway accepts.
var readKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"VALUES":   true,
	"SHOW":     true,
	"DESCRIBE": true,
	"EXPLAIN":  true,
}

// writeKeywords are rejected wherever they appear as a bare token, so a
// read-leading statement cannot smuggle a write in (WITH x AS (...) INSERT).
var writeKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"MERGE":    true,
	"DROP":     true,
	"CREATE":   true,
	"ALTER":    true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"REPLACE":  true,
	"SET":      true,
	"PRAGMA":   true,
	"ATTACH":   true,
	"DETACH":   true,
	"VACUUM":   true,
	"CALL":     true,
	"EXEC":     true,
	"EXECUTE":  true,
}

// ValidateReadOnly checks that query is a single read-only statement. The
// scan is dialect-neutral: it skips comments, string literals, and quoted
// identifiers, then inspects the remaining word tokens. Identifiers that
// merely contain a write keyword (for example a column named created_at)
// pass because tokens are matched whole.
func ValidateReadOnly(query string) error {
	first := ""
	sawStatementEnd := false

	i, n := 0, len(query)
	for i < n {
		c := query[i]
		if sawStatementEnd && !isSpaceByte(c) && c != ';' &&
			!(c == '-' && i+1 < n && query[i+1] == '-') &&
			!(c == '/' && i+1 < n && query[i+1] == '*') {
			return fmt.Errorf("multiple statements are not allowed")
		}
		switch {
		case c == '-' && i+1 < n && query[i+1] == '-':
			i = skipLineComment(query, i+2)
		case c == '/' && i+1 < n && query[i+1] == '*':
			var err error
			i, err = skipBlockComment(query, i+2)
			if err != nil {
				return err
			}
		case c == '\'' || c == '"' || c == '`':
			var err error
			i, err = skipQuoted(query, i+1, c)
			if err != nil {
				return err
			}
		case c == '[':
			var err error
			i, err = skipQuoted(query, i+1, ']')
			if err != nil {
				return err
			}
		case c == ';':
			sawStatementEnd = true
			i++
		case isWordByte(c):
			start := i
			for i < n && isWordByte(query[i]) {
				i++
			}
			word := strings.ToUpper(query[start:i])
			if writeKeywords[word] {
				return fmt.Errorf("statement contains forbidden keyword %s", word)
			}
			if first == "" {
				first = word
			}
		default:
			i++
		}
	}

	if first == "" {
		return fmt.Errorf("empty statement")
	}
	if !readKeywords[first] {
		return fmt.Errorf("only read statements are allowed, got %s", first)
	}
	return nil
}

func skipLineComment(s string, i int) int {
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(s string, i int) (int, error) {
	for i+1 < len(s) {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated comment")
}

// skipQuoted consumes a quoted region ended by quote. A doubled quote is the
// standard SQL escape and stays inside the region.
func skipQuoted(s string, i int, quote byte) (int, error) {
	for i < len(s) {
		if s[i] == '\\' && quote == '\'' && i+1 < len(s) {
			i += 2
			continue
		}
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote && quote != ']' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated quoted literal")
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
