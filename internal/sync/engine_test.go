package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/config"
	"watchsync/internal/media"
	"watchsync/internal/models"
	"watchsync/internal/state"
)

type updateCall struct {
	additions map[string]models.UserData
	removals  map[string]models.UserData
	dryrun    bool
}

// fakeServer is an in-memory media.Server for pipeline tests.
type fakeServer struct {
	id        string
	name      string
	users     []models.ServerUser
	libraries map[string]models.LibraryType
	watched   map[string]models.UserData
	failFetch bool

	mu      sync.Mutex
	updates []updateCall
}

var _ media.Server = (*fakeServer)(nil)

func (f *fakeServer) Info() string      { return f.name }
func (f *fakeServer) MachineID() string { return f.id }
func (f *fakeServer) Close() error      { return nil }

func (f *fakeServer) Users(ctx context.Context) ([]models.ServerUser, error) {
	if f.failFetch {
		return nil, context.DeadlineExceeded
	}
	return f.users, nil
}

func (f *fakeServer) Libraries(ctx context.Context) (map[string]models.LibraryType, error) {
	return f.libraries, nil
}

func (f *fakeServer) Watched(ctx context.Context, users []models.ServerUser, libraries map[string]models.LibraryType, prev *models.WatchedState) (map[string]models.UserData, error) {
	out := make(map[string]models.UserData)
	for _, user := range users {
		if data, ok := f.watched[user.Name]; ok {
			out[user.Name] = data
		}
	}
	return out, nil
}

func (f *fakeServer) Playlists(ctx context.Context, users []models.ServerUser, prev *models.PlaylistState) (map[string]models.UserPlaylists, error) {
	return map[string]models.UserPlaylists{}, nil
}

func (f *fakeServer) UpdateWatched(ctx context.Context, additions, removals map[string]models.UserData, userMapping, libraryMapping map[string]string, dryrun bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{additions: additions, removals: removals, dryrun: dryrun})
	if dryrun {
		return nil
	}

	// Apply the pushes so the next snapshot reflects them, as a real server
	// would.
	for user, uData := range additions {
		local := f.watched[user]
		if local.Libraries == nil {
			local.Libraries = make(map[string]models.LibraryData)
		}
		for libName, lib := range uData.Libraries {
			target := local.Libraries[libName]
			target.Title = libName
			for _, mov := range lib.Movies {
				mov.SyncedToServers = nil
				target.Movies = append(target.Movies, mov)
			}
			local.Libraries[libName] = target
		}
		f.watched[user] = local
	}
	for user, uData := range removals {
		local, ok := f.watched[user]
		if !ok {
			continue
		}
		for libName, lib := range uData.Libraries {
			target, ok := local.Libraries[libName]
			if !ok {
				continue
			}
			var kept []models.MediaItem
			for _, have := range target.Movies {
				removed := false
				for _, gone := range lib.Movies {
					if models.SameItems(have, gone) {
						removed = true
						break
					}
				}
				if !removed {
					kept = append(kept, have)
				}
			}
			target.Movies = kept
			local.Libraries[libName] = target
		}
	}
	return nil
}

func (f *fakeServer) UpdatePlaylists(ctx context.Context, snapshots map[string]models.UserPlaylists, userMapping map[string]string, dryrun bool) error {
	return nil
}

func (f *fakeServer) DeletePlaylistByTitle(ctx context.Context, user, title string, dryrun bool) error {
	return nil
}

func (f *fakeServer) RemoveItemFromPlaylist(ctx context.Context, user, title string, item models.MediaIdentifiers, dryrun bool) error {
	return nil
}

func (f *fakeServer) lastUpdate(t *testing.T) updateCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.updates, "expected an UpdateWatched call on %s", f.name)
	return f.updates[len(f.updates)-1]
}

func (f *fakeServer) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func movieItem(title, imdb string, completed bool, timeMs, lastViewed int64) models.MediaItem {
	return models.MediaItem{
		Identifiers: models.MediaIdentifiers{Title: title, IMDBID: imdb},
		Status:      models.WatchedStatus{Completed: completed, TimeMs: timeMs, LastViewedAt: lastViewed},
	}
}

func movieLibrary(movies ...models.MediaItem) map[string]models.UserData {
	return map[string]models.UserData{
		"alice": {Libraries: map[string]models.LibraryData{
			"Movies": {Title: "Movies", Movies: movies},
		}},
	}
}

func testEngine(t *testing.T, servers ...media.Server) (*Engine, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	store := state.New(filepath.Join(dir, "watched_state.json"), filepath.Join(dir, "playlist_state.json"))
	cfg := &config.Config{MaxThreads: 4}
	engine := New(servers, cfg, store)
	engine.now = func() int64 { return 1700000000 }
	return engine, store
}

func standardUsers() []models.ServerUser {
	return []models.ServerUser{{Name: "alice", IsAdmin: true}}
}

func standardLibraries() map[string]models.LibraryType {
	return map[string]models.LibraryType{"Movies": models.LibraryTypeMovie}
}

func TestCompletedPropagatesAcrossServers(t *testing.T) {
	a := &fakeServer{
		id: "server-a", name: "A",
		users:     standardUsers(),
		libraries: standardLibraries(),
		watched:   movieLibrary(movieItem("Inception", "tt1375666", true, 0, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users:     standardUsers(),
		libraries: standardLibraries(),
		watched:   movieLibrary(),
	}
	engine, _ := testEngine(t, a, b)

	st, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// B never saw the movie in its library snapshot, so the push payload for
	// B carries it as an addition.
	call := b.lastUpdate(t)
	movies := call.additions["alice"].Libraries["Movies"].Movies
	require.Len(t, movies, 1)
	assert.Equal(t, "tt1375666", movies[0].Identifiers.IMDBID)
	assert.True(t, movies[0].Status.Completed)

	// The ledger records the push for B and the already-in-sync state for A.
	gMov := st.Users["alice"].Libraries["Movies"].Movies[0]
	assert.Contains(t, gMov.SyncedToServers, "server-a")
	assert.Contains(t, gMov.SyncedToServers, "server-b")
}

func TestSmallProgressDriftIsSuppressed(t *testing.T) {
	// Both servers report the same movie in progress, 30s apart. That is
	// within the threshold: statuses are effectively equal and nothing should
	// be pushed.
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", false, 900_000, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", false, 930_000, 100)),
	}
	engine, _ := testEngine(t, a, b)

	_, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	assert.Zero(t, a.updateCount(), "within-threshold drift must not be pushed to A")
	assert.Zero(t, b.updateCount(), "within-threshold drift must not be pushed to B")
}

func TestLargeProgressDriftIsPushed(t *testing.T) {
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", false, 1_800_000, 200)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", false, 900_000, 100)),
	}
	engine, _ := testEngine(t, a, b)

	_, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// A's newer, further-along status wins the merge and is pushed to B.
	call := b.lastUpdate(t)
	movies := call.additions["alice"].Libraries["Movies"].Movies
	require.Len(t, movies, 1)
	assert.Equal(t, int64(1_800_000), movies[0].Status.TimeMs)
	assert.Zero(t, a.updateCount(), "the winning side must not receive its own status back")
}

func TestMissingItemIsPrunedAndUnmarked(t *testing.T) {
	engine, store := testEngine(t)

	// Seed global state: movie known and synced to both servers.
	st := models.NewWatchedState()
	mov := movieItem("Old Movie", "tt0000123", true, 0, 100)
	mov.SetSynced("server-a", 50)
	mov.SetSynced("server-b", 50)
	data := models.NewUserData()
	data.Libraries["Movies"] = models.LibraryData{Title: "Movies", Movies: []models.MediaItem{mov}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	// Server A still has the user and library but no longer the item; B still
	// reports it watched.
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Old Movie", "tt0000123", true, 0, 100)),
	}
	engine.servers = []media.Server{a, b}

	result, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// Pruned from global state; the tombstone blocked B's copy from merging
	// back in the same cycle.
	assert.Empty(t, result.Users["alice"].Libraries["Movies"].Movies)

	// B gets an unmark for the item it still carries.
	call := b.lastUpdate(t)
	removed := call.removals["alice"].Libraries["Movies"].Movies
	require.Len(t, removed, 1)
	assert.Equal(t, "tt0000123", removed[0].Identifiers.IMDBID)
}

func TestUnreachableServerCausesNoPrune(t *testing.T) {
	engine, store := testEngine(t)

	st := models.NewWatchedState()
	mov := movieItem("Keeper", "tt0000999", true, 0, 100)
	mov.SetSynced("server-a", 50)
	data := models.NewUserData()
	data.Libraries["Movies"] = models.LibraryData{Title: "Movies", Movies: []models.MediaItem{mov}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	down := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		failFetch: true,
	}
	up := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Keeper", "tt0000999", true, 0, 100)),
	}
	engine.servers = []media.Server{down, up}

	result, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// The item survives: the unreachable server's absence is not evidence of
	// deletion.
	movies := result.Users["alice"].Libraries["Movies"].Movies
	require.Len(t, movies, 1)
	assert.Equal(t, "tt0000999", movies[0].Identifiers.IMDBID)
	assert.Zero(t, down.updateCount(), "no pushes to an unreachable server")
}

func TestSecondCycleIsIdempotent(t *testing.T) {
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Inception", "tt1375666", true, 0, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(),
	}
	engine, _ := testEngine(t, a, b)

	_, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)
	firstB := b.updateCount()
	require.Equal(t, 1, firstB)

	// Second cycle: B now reports the pushed item, the ledger says B was
	// already updated, so no further calls.
	_, err = engine.SyncWatched(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstB, b.updateCount(), "no repeated pushes when ledger is current")
}

func TestDryrunAdvancesLedgerWithoutSideEffects(t *testing.T) {
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Inception", "tt1375666", true, 0, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(),
	}
	engine, _ := testEngine(t, a, b)
	engine.cfg.Dryrun = true

	st, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	call := b.lastUpdate(t)
	assert.True(t, call.dryrun)

	// Ledger still advances so repeated dryrun cycles stay quiet.
	gMov := st.Users["alice"].Libraries["Movies"].Movies[0]
	assert.Contains(t, gMov.SyncedToServers, "server-b")
}

func TestUserMappingJoinsAccounts(t *testing.T) {
	a := &fakeServer{
		id: "server-a", name: "A",
		users:     []models.ServerUser{{Name: "alice", IsAdmin: true}},
		libraries: standardLibraries(),
		watched:   movieLibrary(movieItem("Inception", "tt1375666", true, 0, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users:     []models.ServerUser{{Name: "al", IsAdmin: true}},
		libraries: standardLibraries(),
		watched: map[string]models.UserData{
			"al": {Libraries: map[string]models.LibraryData{
				"Movies": {Title: "Movies"},
			}},
		},
	}
	engine, _ := testEngine(t, a, b)
	engine.cfg.UserMapping = map[string]string{"alice": "al"}

	st, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// One canonical user in the global state.
	require.Len(t, st.Users, 1)
	require.Contains(t, st.Users, "alice")

	// Push to B is keyed by B's local user name.
	call := b.lastUpdate(t)
	require.Contains(t, call.additions, "al")
	movies := call.additions["al"].Libraries["Movies"].Movies
	require.Len(t, movies, 1)
	assert.Equal(t, "tt1375666", movies[0].Identifiers.IMDBID)
}

func TestFilterUsers(t *testing.T) {
	users := []models.ServerUser{{Name: "Alice"}, {Name: "Bob"}, {Name: "Carol"}}

	got := FilterUsers(users, nil, []string{"bob"})
	require.Len(t, got, 2)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, "Carol", got[1].Name)

	got = FilterUsers(users, []string{"alice"}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "Alice", got[0].Name)
}

func TestFilterLibraries(t *testing.T) {
	libs := map[string]models.LibraryType{
		"Movies": models.LibraryTypeMovie,
		"Shows":  models.LibraryTypeShow,
		"Anime":  models.LibraryTypeShow,
	}

	got := FilterLibraries(libs, nil, []string{"anime"}, nil, nil)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "Anime")

	got = FilterLibraries(libs, nil, nil, []string{"movie"}, nil)
	assert.Equal(t, map[string]models.LibraryType{"Movies": models.LibraryTypeMovie}, got)

	got = FilterLibraries(libs, nil, nil, nil, []string{"show"})
	assert.Equal(t, map[string]models.LibraryType{"Movies": models.LibraryTypeMovie}, got)
}

func seriesLibrary(ser models.Series) map[string]models.UserData {
	return map[string]models.UserData{
		"alice": {Libraries: map[string]models.LibraryData{
			"Shows": {Title: "Shows", Series: []models.Series{ser}},
		}},
	}
}

func testSeries(eps ...models.MediaItem) models.Series {
	return models.Series{
		Identifiers: models.MediaIdentifiers{Title: "The Wire", TVDBID: "79126"},
		Episodes:    eps,
	}
}

func TestWholeSeriesMissingIsPruned(t *testing.T) {
	engine, store := testEngine(t)

	ep1 := movieItem("S01E01", "tt0749451", true, 0, 100)
	ep2 := movieItem("S01E02", "tt0749460", true, 0, 100)
	ep1.SetSynced("server-a", 50)
	ep1.SetSynced("server-b", 50)
	ep2.SetSynced("server-a", 50)
	ep2.SetSynced("server-b", 50)

	st := models.NewWatchedState()
	data := models.NewUserData()
	data.Libraries["Shows"] = models.LibraryData{Title: "Shows", Series: []models.Series{testSeries(ep1, ep2)}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	// A carries the library but the series is gone entirely; B still has it.
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(),
		libraries: map[string]models.LibraryType{"Shows": models.LibraryTypeShow},
		watched: map[string]models.UserData{
			"alice": {Libraries: map[string]models.LibraryData{"Shows": {Title: "Shows"}}},
		},
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users:     standardUsers(),
		libraries: map[string]models.LibraryType{"Shows": models.LibraryTypeShow},
		watched:   seriesLibrary(testSeries(ep1, ep2)),
	}
	engine.servers = []media.Server{a, b}

	result, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// The series tombstone also blocked B's copy from merging back in.
	assert.Empty(t, result.Users["alice"].Libraries["Shows"].Series)

	// B is told to unmark the whole series.
	call := b.lastUpdate(t)
	removedSeries := call.removals["alice"].Libraries["Shows"].Series
	require.Len(t, removedSeries, 1)
	assert.Len(t, removedSeries[0].Episodes, 2)
}

func TestMissingEpisodePrunesOnlyThatEpisode(t *testing.T) {
	engine, store := testEngine(t)

	ep1 := movieItem("S01E01", "tt0749451", true, 0, 100)
	ep2 := movieItem("S01E02", "tt0749460", true, 0, 100)
	ep1.SetSynced("server-a", 50)
	ep1.SetSynced("server-b", 50)
	ep2.SetSynced("server-a", 50)
	ep2.SetSynced("server-b", 50)

	st := models.NewWatchedState()
	data := models.NewUserData()
	data.Libraries["Shows"] = models.LibraryData{Title: "Shows", Series: []models.Series{testSeries(ep1, ep2)}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	// A still has the series but lost the second episode; B has both.
	a := &fakeServer{
		id: "server-a", name: "A",
		users:     standardUsers(),
		libraries: map[string]models.LibraryType{"Shows": models.LibraryTypeShow},
		watched:   seriesLibrary(testSeries(ep1)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users:     standardUsers(),
		libraries: map[string]models.LibraryType{"Shows": models.LibraryTypeShow},
		watched:   seriesLibrary(testSeries(ep1, ep2)),
	}
	engine.servers = []media.Server{a, b}

	result, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// Only the missing episode was pruned; the series itself survives.
	series := result.Users["alice"].Libraries["Shows"].Series
	require.Len(t, series, 1)
	require.Len(t, series[0].Episodes, 1)
	assert.Equal(t, "tt0749451", series[0].Episodes[0].Identifiers.IMDBID)

	// B is told to unmark just that episode.
	call := b.lastUpdate(t)
	removedSeries := call.removals["alice"].Libraries["Shows"].Series
	require.Len(t, removedSeries, 1)
	require.Len(t, removedSeries[0].Episodes, 1)
	assert.Equal(t, "tt0749460", removedSeries[0].Episodes[0].Identifiers.IMDBID)
}

func TestUnmarkToInProgressPropagates(t *testing.T) {
	engine, store := testEngine(t)

	// Seed global state: movie completed and confirmed synced on both servers.
	st := models.NewWatchedState()
	mov := movieItem("Heat", "tt0113277", true, 0, 100)
	mov.SetSynced("server-a", 50)
	mov.SetSynced("server-b", 50)
	data := models.NewUserData()
	data.Libraries["Movies"] = models.LibraryData{Title: "Movies", Movies: []models.MediaItem{mov}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	// The user rewatched part of the movie on A: no longer completed, sitting
	// mid-film with a newer timestamp. B still reports it watched.
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", false, 1_800_000, 200)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", true, 0, 100)),
	}
	engine.servers = []media.Server{a, b}

	result, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	// A's newer in-progress status wins the merge.
	movies := result.Users["alice"].Libraries["Movies"].Movies
	require.Len(t, movies, 1)
	assert.False(t, movies[0].Status.Completed)
	assert.Equal(t, int64(1_800_000), movies[0].Status.TimeMs)

	// B is pushed the in-progress status; A already matches and is left alone.
	call := b.lastUpdate(t)
	pushed := call.additions["alice"].Libraries["Movies"].Movies
	require.Len(t, pushed, 1)
	assert.False(t, pushed[0].Status.Completed)
	assert.Equal(t, int64(1_800_000), pushed[0].Status.TimeMs)
	assert.Zero(t, a.updateCount(), "the server carrying the winning status must not be pushed")

	// The ledger records the push so the next cycle stays quiet.
	assert.Contains(t, movies[0].SyncedToServers, "server-b")
}

func TestUnidentifiableServerItemIsNotARemoval(t *testing.T) {
	engine, store := testEngine(t)

	st := models.NewWatchedState()
	mov := movieItem("Heat", "tt0113277", true, 0, 100)
	mov.SetSynced("server-a", 50)
	mov.SetSynced("server-b", 50)
	data := models.NewUserData()
	data.Libraries["Movies"] = models.LibraryData{Title: "Movies", Movies: []models.MediaItem{mov}}
	st.Users["alice"] = data
	require.NoError(t, store.SaveWatched(st))

	// B also carries an item with no usable identifier. It can never match the
	// global state, so it must not be treated as a removal candidate.
	junk := models.MediaItem{
		Identifiers: models.MediaIdentifiers{Title: "Home Video"},
		Status:      models.WatchedStatus{Completed: true, LastViewedAt: 100},
	}
	a := &fakeServer{
		id: "server-a", name: "A",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", true, 0, 100)),
	}
	b := &fakeServer{
		id: "server-b", name: "B",
		users: standardUsers(), libraries: standardLibraries(),
		watched: movieLibrary(movieItem("Heat", "tt0113277", true, 0, 100), junk),
	}
	engine.servers = []media.Server{a, b}

	_, err := engine.SyncWatched(context.Background())
	require.NoError(t, err)

	assert.Zero(t, a.updateCount(), "everything is in sync, A must receive no update")
	assert.Zero(t, b.updateCount(), "an unidentifiable local item must not trigger a removals push")
}

func TestMergeItemConflictResolution(t *testing.T) {
	base := movieItem("Heat", "tt0113277", false, 900_000, 100)

	// Newer timestamp wins.
	newer := movieItem("Heat", "tt0113277", true, 0, 200)
	merged := mergeItem([]models.MediaItem{base}, newer)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Status.Completed)

	// Equal timestamps: completed beats incomplete.
	completed := movieItem("Heat", "tt0113277", true, 0, 100)
	merged = mergeItem([]models.MediaItem{base}, completed)
	assert.True(t, merged[0].Status.Completed)

	// Equal timestamps, both incomplete: larger progress wins.
	further := movieItem("Heat", "tt0113277", false, 1_500_000, 100)
	merged = mergeItem([]models.MediaItem{base}, further)
	assert.Equal(t, int64(1_500_000), merged[0].Status.TimeMs)

	// A recent change (ledger contradicts status) outranks a newer timestamp.
	unmarked := movieItem("Heat", "tt0113277", false, 0, 50)
	unmarked.SyncedToServers = map[string]models.ServerSyncInfo{
		"server-a": {SyncedAt: 40, SyncedStatus: models.WatchedStatus{Completed: true}},
	}
	watchedLater := movieItem("Heat", "tt0113277", true, 0, 300)
	merged = mergeItem([]models.MediaItem{watchedLater}, unmarked)
	require.Len(t, merged, 1)
	assert.False(t, merged[0].Status.Completed, "deliberate unmark must win over older completed status")

	// Survivor keeps both sides' identifiers.
	located := movieItem("Heat", "tt0113277", false, 900_000, 100)
	located.Identifiers.Locations = []string{"Heat.mkv"}
	merged = mergeItem([]models.MediaItem{base}, located)
	assert.Equal(t, []string{"Heat.mkv"}, merged[0].Identifiers.Locations)
}
