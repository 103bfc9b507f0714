package sqlscan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"
)

var (
	ErrEmptyStatement = errors.New("empty statement")
	ErrNotReadOnly    = errors.New("statement is not read-only")
	ErrMultiStatement = errors.New("multiple statements are not allowed")
)

var (
	commentOrLiteral = regexp.MustCompile(`(?s)--[^\n]*|#[^\n]*|/\*.*?\*/|'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"|` + "`[^`]*`")
	writeKeyword     = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|CREATE|DROP|ALTER|TRUNCATE|GRANT|REVOKE|CALL|EXECUTE|EXPORT|LOAD)\b`)
)

// ValidateReadOnly accepts a single SELECT, or a WITH query whose body
// carries no write or DDL keyword outside literals and comments.
func ValidateReadOnly(sql string) error {
	stripped := strings.TrimSpace(commentOrLiteral.ReplaceAllString(sql, " "))
	stripped = strings.TrimSpace(strings.TrimRight(stripped, "; \t\r\n"))
	if stripped == "" {
		return ErrEmptyStatement
	}
	if strings.Contains(stripped, ";") {
		return ErrMultiStatement
	}
	switch kind := sqlparser.Preview(sql); kind {
	case sqlparser.StmtSelect:
		return nil
	case sqlparser.StmtUnknown:
		if !strings.EqualFold(firstWord(stripped), "with") {
			return fmt.Errorf("%w: unrecognized statement", ErrNotReadOnly)
		}
		if kw := writeKeyword.FindString(stripped); kw != "" {
			return fmt.Errorf("%w: %s inside WITH", ErrNotReadOnly, strings.ToLower(kw))
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotReadOnly, strings.ToLower(sqlparser.StmtType(kind)))
	}
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, "( \t\r\n")
	if i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' }); i >= 0 {
		return s[:i]
	}
	return s
}
