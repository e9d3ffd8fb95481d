package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/snapread/snapread/config"
	"github.com/snapread/snapread/rowsource"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MySQLDSN = "user:pass@tcp(127.0.0.1:3306)/testdb"
	cfg.Tables = []config.TableConfig{
		{ID: 1, Name: "users", Query: "SELECT id, name FROM users", Period: time.Second,
			Indexes: []config.IndexConfig{{Name: "by_id", Column: "id", Type: "int"}}},
	}
	return cfg
}

func TestNewRejectsInvalidTableQuery(t *testing.T) {
	cfg := testConfig()
	cfg.Tables[0].Query = "DELETE FROM users"
	_, err := New(cfg, "test", zerolog.Nop())
	require.Error(t, err)
}

func TestNewBuildsCatalogAndDispatcher(t *testing.T) {
	s, err := New(testConfig(), "test", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, s.cat)
	require.Len(t, s.tables, 1)

	disp := newDispatcher(s.cat, s.builder)
	require.Equal(t, s.cat.SchemaJSON(), disp.SchemaJSON())

	_, ok := disp.Fetch(1, 0, []byte("1"))
	require.False(t, ok) // no refresh has ever run, so every fetch misses
}

func TestDueJobsIncludesNeverLoadedTables(t *testing.T) {
	s, err := New(testConfig(), "test", zerolog.Nop())
	require.NoError(t, err)

	jobs := s.dueJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, s.tables[0], jobs[0].Table)
}

func TestDueJobsSkipsRecentlyLoadedTables(t *testing.T) {
	s, err := New(testConfig(), "test", zerolog.Nop())
	require.NoError(t, err)

	// Simulate a just-completed refresh by running one against an empty
	// in-memory source, which still stamps LastLoadedUnix.
	require.NoError(t, s.tables[0].Refresh(emptySource{}, time.Now().Unix()))

	jobs := s.dueJobs()
	require.Empty(t, jobs)
}

func TestPeerAddrFormatsInet4(t *testing.T) {
	addr := peerAddr(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}, Port: 1234})
	require.Equal(t, "127.0.0.1", addr)
}

func TestPeerAddrHandlesUnixSockets(t *testing.T) {
	require.Equal(t, "unix", peerAddr(&unix.SockaddrUnix{Name: "/tmp/x.sock"}))
}

type emptySource struct{}

func (emptySource) Connect() error                                     { return nil }
func (emptySource) Disconnect() error                                  { return nil }
func (emptySource) CountRows(string) (uint32, error)                   { return 0, nil }
func (emptySource) IterateRows(string, func(rowsource.Row) error) error { return nil }
