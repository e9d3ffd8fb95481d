package queryguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsPlainSelect(t *testing.T) {
	g := New()
	require.NoError(t, g.Validate("users", "SELECT id, name FROM users"))
	require.Equal(t, Stats{Validated: 1, Rejected: 0}, g.Stats())
}

func TestValidateAcceptsShowDescribeExplain(t *testing.T) {
	g := New()
	require.NoError(t, g.Validate("t1", "SHOW COLUMNS FROM users"))
	require.NoError(t, g.Validate("t2", "DESCRIBE users"))
	require.NoError(t, g.Validate("t3", "EXPLAIN SELECT 1"))
}

func TestValidateRejectsWriteCommand(t *testing.T) {
	g := New()
	err := g.Validate("users", "DELETE FROM users WHERE id = 1")
	require.Error(t, err)
	require.Equal(t, 1, g.Stats().Rejected)
}

func TestValidateRejectsStackedStatement(t *testing.T) {
	g := New()
	err := g.Validate("users", "SELECT id FROM users; DROP TABLE users")
	require.Error(t, err)
}

func TestValidateRejectsEmptyQuery(t *testing.T) {
	g := New()
	err := g.Validate("users", "   ")
	require.Error(t, err)
}

func TestValidateRejectsUnbalancedParens(t *testing.T) {
	g := New()
	err := g.Validate("users", "SELECT id FROM users WHERE (id = 1")
	require.Error(t, err)
}

func TestValidateRejectsOverlongQuery(t *testing.T) {
	g := New()
	long := "SELECT " + string(make([]byte, MaxQueryLength)) + " FROM users"
	err := g.Validate("users", long)
	require.Error(t, err)
}
