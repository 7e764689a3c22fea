package store

import "fmt"

// dialect hides the two parameter-placeholder and boolean-literal styles
// behind one interface so every query in queries.go is written exactly
// once.
type dialect interface {
	// Placeholder returns the nth (1-based) bound-parameter marker.
	Placeholder(n int) string
	// BoolLiteral renders a boolean for use in a literal SQL fragment
	// (sqlite stores booleans as 0/1; postgres has a native boolean).
	BoolLiteral(b bool) string
	// name identifies the dialect in migration bookkeeping and logs.
	name() string
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) BoolLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
func (sqliteDialect) name() string { return "sqlite" }

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) BoolLiteral(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
func (postgresDialect) name() string { return "postgres" }
