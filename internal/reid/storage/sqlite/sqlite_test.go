package sqlite

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossview/internal/reid"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMigrated(filepath.Join(t.TempDir(), "crossview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var created = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

func newRecord(id string, offset time.Duration) reid.RunRecord {
	return reid.RunRecord{
		RunID:           id,
		CreatedAt:       created.Add(offset),
		BroadcastSource: "broadcast.jsonl",
		TacticalSource:  "tactical.jsonl",
		ParamsJSON:      `{"match_threshold":0.5}`,
		Status:          reid.RunStatusRunning,
	}
}

func TestMigrations(t *testing.T) {
	t.Parallel()
	db, err := Open(filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second run is a no-op")
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	require.NoError(t, db.MigrateDown())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
}

func TestPragmasApplied(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	store := NewRunStore(setupTestDB(t))

	require.NoError(t, store.InsertRun(newRecord("run-1", 0)))
	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, reid.RunStatusRunning, got.Status)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, `{"match_threshold":0.5}`, got.ParamsJSON)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.CompletedAt)

	res := reid.NewMatchResult(7, []reid.Match{
		{BroadcastID: "P10", TacticalID: "T1", Confidence: 0.8, Position: "Midfielder"},
		{BroadcastID: "P2", TacticalID: "T3", Confidence: 0.9},
	}, []string{"P1"}, []string{"T2", "T4"}).WithProcessingTime(2300 * time.Millisecond)
	done := created.Add(3 * time.Second)
	require.NoError(t, store.CompleteRun("run-1", res, done))

	got, err = store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, reid.RunStatusCompleted, got.Status)
	assert.Equal(t, "Completed", got.Stage)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)
	require.NotNil(t, got.Result)
	if diff := cmp.Diff(res, *got.Result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	matches, err := store.GetMatches("run-1")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "P2", matches[0].BroadcastID, "matches sort by numeric track id")
	assert.Equal(t, "Midfielder", matches[1].Position)

	// Completing again replaces the stored matches.
	require.NoError(t, store.CompleteRun("run-1", reid.NewMatchResult(0, nil, nil, nil), done))
	matches, err = store.GetMatches("run-1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUpdateRunStatus(t *testing.T) {
	t.Parallel()
	store := NewRunStore(setupTestDB(t))
	require.NoError(t, store.InsertRun(newRecord("run-1", 0)))

	require.NoError(t, store.UpdateRunStatus("run-1", reid.RunStatusFailed, "DetectingPlayers", "detector unavailable"))
	got, err := store.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, reid.RunStatusFailed, got.Status)
	assert.Equal(t, "DetectingPlayers", got.Stage)
	assert.Equal(t, "detector unavailable", got.Error)

	err = store.UpdateRunStatus("missing", reid.RunStatusCancelled, "", "")
	assert.ErrorIs(t, err, reid.ErrRunNotFound)
	err = store.CompleteRun("missing", reid.MatchResult{}, created)
	assert.ErrorIs(t, err, reid.ErrRunNotFound)
	_, err = store.GetRun("missing")
	assert.ErrorIs(t, err, reid.ErrRunNotFound)
}

func TestListAndDeleteRuns(t *testing.T) {
	t.Parallel()
	store := NewRunStore(setupTestDB(t))
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.InsertRun(newRecord(id, time.Duration(i)*time.Minute)))
	}
	require.Error(t, store.InsertRun(newRecord("a", 0)), "duplicate id")
	require.Error(t, store.InsertRun(reid.RunRecord{}))

	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	runs, err = store.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	require.NoError(t, store.CompleteRun("b", reid.NewMatchResult(2, []reid.Match{{BroadcastID: "P1", TacticalID: "T1", Confidence: 1}}, nil, nil), created))
	require.NoError(t, store.DeleteRun("b"))
	matches, err := store.GetMatches("b")
	require.NoError(t, err)
	assert.Empty(t, matches, "matches cascade with their run")
	assert.ErrorIs(t, store.DeleteRun("b"), reid.ErrRunNotFound)
}

func TestStatsAndBackup(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	store := NewRunStore(db)
	require.NoError(t, store.InsertRun(newRecord("run-1", 0)))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint(2), stats.SchemaVersion)
	assert.Equal(t, []TableStats{{"crossview_runs", 1}, {"crossview_matches", 0}}, stats.Tables)

	path := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, db.Backup(path))
	copyDB, err := Open(path)
	require.NoError(t, err)
	defer copyDB.Close()
	got, err := NewRunStore(copyDB).GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "broadcast.jsonl", got.BroadcastSource)
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	// Debug routes may refuse non-local callers, but must be registered.
	for _, endpoint := range []string{"/debug/db-stats", "/debug/backup", "/debug/tailsql/"} {
		t.Run(endpoint, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	other := errors.New("constraint failed")
	assert.Equal(t, other, retryOnBusy(func() error { calls++; return other }))
	assert.Equal(t, 1, calls)

	calls = 0
	assert.Equal(t, busy, retryOnBusy(func() error { calls++; return busy }))
	assert.Equal(t, busyMaxAttempts, calls)

	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
}

func TestOpenBadPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644))
	_, err := Open(filepath.Join(dir, "file", "nested.db"))
	assert.Error(t, err)
}
