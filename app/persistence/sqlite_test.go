package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	s := prepStore(t)

	require.NoError(t, s.RecordAttempt(Attempt{
		Token:      "tok1",
		Service:    "svc1",
		URL:        "http://localhost/cb",
		Method:     "POST",
		StatusCode: 200,
		OK:         true,
	}))
	require.NoError(t, s.RecordAttempt(Attempt{
		Token:      "tok1",
		Service:    "svc1",
		URL:        "http://localhost/cb",
		Method:     "POST",
		StatusCode: 500,
		OK:         false,
		Error:      "unexpected status 500",
		CreatedAt:  time.Now().Add(time.Minute),
	}))

	attempts, err := s.GetAttempts("tok1", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].OK, "newest first")
	assert.Equal(t, 500, attempts[0].StatusCode)
	assert.True(t, attempts[1].OK)
	assert.Equal(t, "http://localhost/cb", attempts[1].URL)

	attempts, err = s.GetAttempts("unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestSQLiteStore_LastAttempt(t *testing.T) {
	s := prepStore(t)

	_, err := s.LastAttempt("tok1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordAttempt(Attempt{Token: "tok1", Service: "svc1", StatusCode: 200, OK: true}))
	last, err := s.LastAttempt("tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok1", last.Token)
	assert.True(t, last.OK)
}

func TestSQLiteStore_CleanupOld(t *testing.T) {
	s := prepStore(t)

	require.NoError(t, s.RecordAttempt(Attempt{Token: "old", Service: "svc1", CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.RecordAttempt(Attempt{Token: "new", Service: "svc1"}))

	n, err := s.CleanupOld(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	attempts, err := s.GetAttempts("new", 10)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	attempts, err = s.GetAttempts("old", 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
