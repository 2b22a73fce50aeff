package state

import (
	"os"
	"path/filepath"
	"testing"

	"watchsync/internal/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "watched_state.json"), filepath.Join(dir, "playlist_state.json")), dir
}

func TestLoadWatchedMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	state := s.LoadWatched()
	if state == nil || state.Users == nil {
		t.Fatal("expected empty initialized state")
	}
	if len(state.Users) != 0 {
		t.Errorf("expected no users, got %d", len(state.Users))
	}
}

func TestLoadWatchedEmptyFile(t *testing.T) {
	s, dir := newTestStore(t)
	path := filepath.Join(dir, "watched_state.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	state := s.LoadWatched()
	if len(state.Users) != 0 {
		t.Errorf("expected empty state from empty file, got %d users", len(state.Users))
	}
}

func TestLoadWatchedCorruptFile(t *testing.T) {
	s, dir := newTestStore(t)
	path := filepath.Join(dir, "watched_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	state := s.LoadWatched()
	if len(state.Users) != 0 {
		t.Errorf("expected empty state from corrupt file, got %d users", len(state.Users))
	}

	backup, err := os.ReadFile(path + ".corrupted")
	if err != nil {
		t.Fatalf("expected corrupted backup file: %v", err)
	}
	if string(backup) != "{not json" {
		t.Errorf("backup content = %q", backup)
	}
}

// Valid JSON of the wrong shape must not leave partially decoded users behind.
func TestLoadWatchedWrongShapeFile(t *testing.T) {
	s, dir := newTestStore(t)
	path := filepath.Join(dir, "watched_state.json")
	content := `{"users": {"alice": {"libraries": {}}, "bob": 123}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	state := s.LoadWatched()
	if len(state.Users) != 0 {
		t.Errorf("expected empty state from wrong-shape file, got %d users", len(state.Users))
	}

	if _, err := os.Stat(path + ".corrupted"); err != nil {
		t.Errorf("expected corrupted backup file: %v", err)
	}
}

func TestWatchedRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	state := models.NewWatchedState()
	user := models.NewUserData()
	user.Libraries["Movies"] = models.LibraryData{
		Title: "Movies",
		Movies: []models.MediaItem{{
			Identifiers: models.MediaIdentifiers{Title: "Inception", IMDBID: "tt1375666", NativeGUID: "plex://movie/x"},
			Status:      models.WatchedStatus{Completed: true, LastViewedAt: 1700000000},
			SyncedToServers: map[string]models.ServerSyncInfo{
				"srv-a": {SyncedAt: 1700000100, SyncedStatus: models.WatchedStatus{Completed: true}},
			},
		}},
	}
	state.Users["alice"] = user

	if err := s.SaveWatched(state); err != nil {
		t.Fatal(err)
	}

	got := s.LoadWatched()
	lib, ok := got.Users["alice"].Libraries["Movies"]
	if !ok {
		t.Fatal("library missing after round trip")
	}
	if len(lib.Movies) != 1 {
		t.Fatalf("movies = %d, want 1", len(lib.Movies))
	}
	mov := lib.Movies[0]
	if mov.Identifiers.IMDBID != "tt1375666" || mov.Identifiers.NativeGUID != "plex://movie/x" {
		t.Errorf("identifiers lost: %+v", mov.Identifiers)
	}
	info, ok := mov.SyncedToServers["srv-a"]
	if !ok || !info.SyncedStatus.Completed {
		t.Errorf("ledger entry lost: %+v", mov.SyncedToServers)
	}
}

func TestPlaylistRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	state := models.NewPlaylistState()
	pl := models.NewUserPlaylists()
	pl.Playlists["Faves"] = models.Playlist{
		Title: "Faves",
		Items: []models.MediaIdentifiers{
			{Title: "X", IMDBID: "tt1", SyncedToServers: map[string]models.ServerSyncInfo{
				"srv-b": {SyncedAt: 5, SyncedStatus: models.WatchedStatus{Completed: true}},
			}},
			{Title: "Y", TMDBID: "9"},
		},
	}
	state.Users["alice"] = pl

	if err := s.SavePlaylists(state); err != nil {
		t.Fatal(err)
	}

	got := s.LoadPlaylists()
	gotPl, ok := got.Users["alice"].Playlists["Faves"]
	if !ok {
		t.Fatal("playlist missing after round trip")
	}
	if len(gotPl.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(gotPl.Items))
	}
	if gotPl.Items[0].SyncedToServers["srv-b"].SyncedAt != 5 {
		t.Error("playlist item ledger lost")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	s, _ := newTestStore(t)

	state := models.NewWatchedState()
	state.Users["alice"] = models.NewUserData()
	if err := s.SaveWatched(state); err != nil {
		t.Fatal(err)
	}

	delete(state.Users, "alice")
	state.Users["bob"] = models.NewUserData()
	if err := s.SaveWatched(state); err != nil {
		t.Fatal(err)
	}

	got := s.LoadWatched()
	if _, ok := got.Users["alice"]; ok {
		t.Error("stale user survived overwrite")
	}
	if _, ok := got.Users["bob"]; !ok {
		t.Error("expected bob after overwrite")
	}
}
