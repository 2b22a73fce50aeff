// Package sync implements the watched-state reconciliation pipeline: fetch
// snapshots from every server, prune deletions, merge into the global state,
// and push the differences back out.
package sync

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"watchsync/internal/config"
	"watchsync/internal/log"
	"watchsync/internal/media"
	"watchsync/internal/models"
	"watchsync/internal/state"
)

type Engine struct {
	servers []media.Server
	cfg     *config.Config
	store   *state.Store
	logger  zerolog.Logger

	// injectable for tests
	now func() int64
}

func New(servers []media.Server, cfg *config.Config, store *state.Store) *Engine {
	return &Engine{
		servers: servers,
		cfg:     cfg,
		store:   store,
		logger:  log.WithComponent("sync"),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// snapshot is one server's fetched watched data, keyed by server-local user
// name.
type snapshot struct {
	server media.Server
	data   map[string]models.UserData
}

// SyncWatched runs one full reconciliation cycle and returns the resulting
// global state. The state file is saved after merge, after mark-synced, and
// after push, so a crash mid-cycle never loses more than one phase.
func (e *Engine) SyncWatched(ctx context.Context) (*models.WatchedState, error) {
	st := e.store.LoadWatched()

	snapshots := e.fetch(ctx, st)
	if len(snapshots) == 0 {
		e.logger.Warn().Msg("no server data fetched, skipping sync cycle")
		return st, nil
	}

	tombs := e.prune(st, snapshots)
	e.merge(st, snapshots, tombs)
	if err := e.store.SaveWatched(st); err != nil {
		return nil, err
	}
	e.logger.Info().Msg("global watched state saved after merge")

	e.markSynced(st, snapshots)
	if err := e.store.SaveWatched(st); err != nil {
		return nil, err
	}

	e.push(ctx, st, snapshots)
	if err := e.store.SaveWatched(st); err != nil {
		return nil, err
	}
	e.logger.Info().Msg("sync cycle complete")
	return st, nil
}

// fetch collects watched data from every server in parallel. A failing server
// is excluded from this cycle rather than failing the whole run, which also
// keeps prune from treating its items as deleted.
func (e *Engine) fetch(ctx context.Context, prev *models.WatchedState) map[string]snapshot {
	snapshots := make(map[string]snapshot, len(e.servers))
	results := make([]map[string]models.UserData, len(e.servers))

	group, groupCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.cfg.MaxThreads))

	for i, server := range e.servers {
		i, server := i, server
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			logger := log.WithServer(server.Info())
			logger.Info().Msg("fetching watched status")

			users, err := server.Users(groupCtx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to fetch users, excluding server from this cycle")
				return nil
			}
			users = FilterUsers(users, e.cfg.WhitelistUsers, e.cfg.BlacklistUsers)

			libraries, err := server.Libraries(groupCtx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to fetch libraries, excluding server from this cycle")
				return nil
			}
			libraries = FilterLibraries(libraries,
				e.cfg.WhitelistLibrary, e.cfg.BlacklistLibrary,
				e.cfg.WhitelistLibraryType, e.cfg.BlacklistLibraryType)

			data, err := server.Watched(groupCtx, users, libraries, prev)
			if err != nil {
				logger.Error().Err(err).Msg("failed to fetch watched status, excluding server from this cycle")
				return nil
			}
			results[i] = data
			return nil
		})
	}
	group.Wait()

	for i, server := range e.servers {
		if results[i] != nil {
			snapshots[server.MachineID()] = snapshot{server: server, data: results[i]}
		}
	}
	return snapshots
}

// canonicalUser maps a server-local user name to its global state key.
func (e *Engine) canonicalUser(name string) string {
	return strings.ToLower(models.Canonical(e.cfg.UserMapping, name))
}

func (e *Engine) canonicalLibrary(name string) string {
	return models.Canonical(e.cfg.LibraryMapping, name)
}

// serverUserData finds the snapshot entry whose canonical user name matches,
// returning the server-local name as well so push payloads stay server-local.
func (e *Engine) serverUserData(snap snapshot, canonicalUser string) (string, models.UserData, bool) {
	for localName, data := range snap.data {
		if e.canonicalUser(localName) == canonicalUser {
			return localName, data, true
		}
	}
	return "", models.UserData{}, false
}

func (e *Engine) serverLibraryData(data models.UserData, canonicalLib string) (string, models.LibraryData, bool) {
	for localName, lib := range data.Libraries {
		if strings.EqualFold(e.canonicalLibrary(localName), canonicalLib) {
			return localName, lib, true
		}
	}
	return "", models.LibraryData{}, false
}

// tombstones records what prune removed this cycle so merge cannot re-add it
// from another server's snapshot.
type tombstones struct {
	items  []models.MediaIdentifiers
	series []models.MediaIdentifiers
}

func (t *tombstones) hasItem(ids models.MediaIdentifiers) bool {
	for _, tomb := range t.items {
		if models.Same(tomb, ids) {
			return true
		}
	}
	return false
}

func (t *tombstones) hasSeries(ids models.MediaIdentifiers) bool {
	for _, tomb := range t.series {
		if models.Same(tomb, ids) {
			return true
		}
	}
	return false
}

// prune removes global items that any reachable server reports missing while
// still carrying the user and library. Missing on one server is treated as a
// deliberate deletion or unmark, not as drift.
func (e *Engine) prune(st *models.WatchedState, snapshots map[string]snapshot) *tombstones {
	tombs := &tombstones{}
	e.logger.Info().Int("users", len(st.Users)).Msg("checking global state for deletions")

	for gUser, gData := range st.Users {
		for gLibName, gLib := range gData.Libraries {
			var keptMovies []models.MediaItem
			for _, gMov := range gLib.Movies {
				if e.itemMissingOnSomeServer(snapshots, gUser, gLibName, func(lib models.LibraryData) bool {
					for _, sMov := range lib.Movies {
						if models.SameItems(sMov, gMov) {
							return true
						}
					}
					return false
				}) {
					e.logger.Debug().Str("user", gUser).Str("title", gMov.Identifiers.Title).
						Msg("pruning movie missing from a connected server")
					tombs.items = append(tombs.items, gMov.Identifiers)
					continue
				}
				keptMovies = append(keptMovies, gMov)
			}
			gLib.Movies = keptMovies

			var keptSeries []models.Series
			for _, gSer := range gLib.Series {
				pruned, emptied := e.pruneSeries(snapshots, gUser, gLibName, &gSer, tombs)
				if pruned || emptied {
					tombs.series = append(tombs.series, gSer.Identifiers)
					continue
				}
				keptSeries = append(keptSeries, gSer)
			}
			gLib.Series = keptSeries

			gData.Libraries[gLibName] = gLib
		}
		st.Users[gUser] = gData
	}
	return tombs
}

// pruneSeries returns (wholeSeriesMissing, emptiedByEpisodePruning). Episode
// tombstones are recorded as it goes.
func (e *Engine) pruneSeries(snapshots map[string]snapshot, gUser, gLibName string, gSer *models.Series, tombs *tombstones) (bool, bool) {
	for _, snap := range snapshots {
		_, sData, ok := e.serverUserData(snap, gUser)
		if !ok {
			continue
		}
		_, sLib, ok := e.serverLibraryData(sData, gLibName)
		if !ok {
			continue
		}

		var sMatch *models.Series
		for i := range sLib.Series {
			if models.Same(sLib.Series[i].Identifiers, gSer.Identifiers) {
				sMatch = &sLib.Series[i]
				break
			}
		}
		if sMatch == nil {
			return true, false
		}

		var kept []models.MediaItem
		for _, gEp := range gSer.Episodes {
			found := false
			for _, sEp := range sMatch.Episodes {
				if models.SameItems(sEp, gEp) {
					found = true
					break
				}
			}
			if !found {
				e.logger.Debug().Str("user", gUser).Str("series", gSer.Identifiers.Title).
					Str("title", gEp.Identifiers.Title).Msg("pruning episode missing from a connected server")
				tombs.items = append(tombs.items, gEp.Identifiers)
				continue
			}
			kept = append(kept, gEp)
		}
		gSer.Episodes = kept
		if len(gSer.Episodes) == 0 {
			return false, true
		}
	}
	return false, false
}

// itemMissingOnSomeServer reports whether any reachable server carries the
// user and library but not the item.
func (e *Engine) itemMissingOnSomeServer(snapshots map[string]snapshot, gUser, gLibName string, present func(models.LibraryData) bool) bool {
	for _, snap := range snapshots {
		_, sData, ok := e.serverUserData(snap, gUser)
		if !ok {
			continue
		}
		_, sLib, ok := e.serverLibraryData(sData, gLibName)
		if !ok {
			continue
		}
		if !present(sLib) {
			return true
		}
	}
	return false
}

// merge folds every snapshot into the global state under canonical user and
// library names, skipping anything tombstoned this cycle.
func (e *Engine) merge(st *models.WatchedState, snapshots map[string]snapshot, tombs *tombstones) {
	e.logger.Info().Int("servers", len(snapshots)).Msg("merging server data")

	for _, snap := range snapshots {
		for localUser, uData := range snap.data {
			gUser := e.canonicalUser(localUser)
			gData, ok := st.Users[gUser]
			if !ok {
				gData = models.NewUserData()
			}

			for localLib, lData := range uData.Libraries {
				gLibName := e.canonicalLibrary(localLib)
				gLib, ok := gData.Libraries[gLibName]
				if !ok {
					gLib = models.LibraryData{Title: gLibName}
				}

				for _, mov := range lData.Movies {
					if !mov.Identifiers.Usable() {
						e.logger.Trace().Str("title", mov.Identifiers.Title).Msg("skipping unmatchable movie")
						continue
					}
					if tombs.hasItem(mov.Identifiers) {
						continue
					}
					gLib.Movies = mergeItem(gLib.Movies, mov)
				}

				for _, ser := range lData.Series {
					if tombs.hasSeries(ser.Identifiers) {
						continue
					}
					idx := -1
					for i := range gLib.Series {
						if models.Same(gLib.Series[i].Identifiers, ser.Identifiers) {
							idx = i
							break
						}
					}
					if idx < 0 {
						gLib.Series = append(gLib.Series, models.Series{Identifiers: ser.Identifiers})
						idx = len(gLib.Series) - 1
					} else {
						models.MergeIdentifiers(&gLib.Series[idx].Identifiers, ser.Identifiers)
					}
					for _, ep := range ser.Episodes {
						if !ep.Identifiers.Usable() {
							continue
						}
						if tombs.hasItem(ep.Identifiers) {
							continue
						}
						gLib.Series[idx].Episodes = mergeItem(gLib.Series[idx].Episodes, ep)
					}
				}

				gData.Libraries[gLibName] = gLib
			}
			st.Users[gUser] = gData
		}
	}
}

// markSynced stamps the ledger for items whose server status is already
// effectively equal to the global status, so push has nothing to send for
// them. Without this every first run would re-push the whole history.
func (e *Engine) markSynced(st *models.WatchedState, snapshots map[string]snapshot) {
	now := e.now()
	e.logger.Info().Msg("marking already-synced items")

	for serverID, snap := range snapshots {
		for localUser, uData := range snap.data {
			gUser := e.canonicalUser(localUser)
			gData, ok := st.Users[gUser]
			if !ok {
				continue
			}
			for localLib, sLib := range uData.Libraries {
				gLib, ok := gData.Libraries[e.canonicalLibrary(localLib)]
				if !ok {
					continue
				}

				for _, sMov := range sLib.Movies {
					for i := range gLib.Movies {
						if models.SameItems(sMov, gLib.Movies[i]) {
							if models.StatusInSync(sMov.Status, gLib.Movies[i].Status) {
								gLib.Movies[i].SetSynced(serverID, now)
							}
							break
						}
					}
				}

				for _, sSer := range sLib.Series {
					for i := range gLib.Series {
						if !models.Same(sSer.Identifiers, gLib.Series[i].Identifiers) {
							continue
						}
						for _, sEp := range sSer.Episodes {
							for j := range gLib.Series[i].Episodes {
								gEp := &gLib.Series[i].Episodes[j]
								if models.SameItems(sEp, *gEp) {
									if models.StatusInSync(sEp.Status, gEp.Status) {
										gEp.SetSynced(serverID, now)
									}
									break
								}
							}
						}
						break
					}
				}
			}
		}
	}
}

// push propagates the global state to every server in parallel: additions and
// status updates from the ledger diff, removals from items the server carries
// that the global state no longer has.
func (e *Engine) push(ctx context.Context, st *models.WatchedState, snapshots map[string]snapshot) {
	group, groupCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.cfg.MaxThreads))

	for serverID, snap := range snapshots {
		serverID, snap := serverID, snap
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			e.pushServer(groupCtx, st, serverID, snap)
			return nil
		})
	}
	group.Wait()
}

func (e *Engine) pushServer(ctx context.Context, st *models.WatchedState, serverID string, snap snapshot) {
	logger := log.WithServer(snap.server.Info())

	updates := make(map[string]models.UserData)
	removals := make(map[string]models.UserData)

	for gUser, gData := range st.Users {
		localUser, sData, ok := e.serverUserData(snap, gUser)
		if !ok {
			continue
		}
		if len(sData.Libraries) == 0 {
			continue
		}

		diffData := models.NewUserData()
		removeData := models.NewUserData()

		for gLibName, gLib := range gData.Libraries {
			localLib, sLib, ok := e.serverLibraryData(sData, gLibName)
			if !ok {
				continue
			}

			if diffLib, any := diffLibrary(gLib, serverID); any {
				diffLib.Title = localLib
				diffData.Libraries[localLib] = diffLib
			}
			if removeLib, any := removalLibrary(sLib, gLib); any {
				removeLib.Title = localLib
				removeData.Libraries[localLib] = removeLib
			}
		}

		if len(diffData.Libraries) > 0 {
			updates[localUser] = diffData
		}
		if len(removeData.Libraries) > 0 {
			removals[localUser] = removeData
		}
	}

	if len(updates) == 0 && len(removals) == 0 {
		return
	}

	logger.Info().Int("update_users", len(updates)).Int("removal_users", len(removals)).
		Msg("syncing state to server")
	if err := snap.server.UpdateWatched(ctx, updates, removals,
		e.cfg.UserMapping, e.cfg.LibraryMapping, e.cfg.Dryrun); err != nil {
		logger.Error().Err(err).Msg("failed to sync server")
		return
	}

	// Stamp the ledger for everything pushed. Dryrun stamps too, so repeated
	// dryrun cycles stay quiet.
	now := e.now()
	for localUser, diffData := range updates {
		gUser := e.canonicalUser(localUser)
		gData, ok := st.Users[gUser]
		if !ok {
			continue
		}
		for localLib, diffLib := range diffData.Libraries {
			gLib, ok := gData.Libraries[e.canonicalLibrary(localLib)]
			if !ok {
				continue
			}
			stampLibrary(gLib, diffLib, serverID, now)
		}
	}
}

// diffLibrary selects the items needing a push to serverID: never synced
// there, completed flag changed since last sync, or incomplete with progress
// drift at or beyond the threshold.
func diffLibrary(gLib models.LibraryData, serverID string) (models.LibraryData, bool) {
	diff := models.LibraryData{Title: gLib.Title}
	any := false

	for _, gMov := range gLib.Movies {
		if needsPush(gMov, serverID) {
			diff.Movies = append(diff.Movies, gMov)
			any = true
		}
	}
	for _, gSer := range gLib.Series {
		var eps []models.MediaItem
		for _, gEp := range gSer.Episodes {
			if needsPush(gEp, serverID) {
				eps = append(eps, gEp)
			}
		}
		if len(eps) > 0 {
			diff.Series = append(diff.Series, models.Series{Identifiers: gSer.Identifiers, Episodes: eps})
			any = true
		}
	}
	return diff, any
}

func needsPush(item models.MediaItem, serverID string) bool {
	info, ok := item.SyncedToServers[serverID]
	if !ok {
		return true
	}
	if item.Status.Completed != info.SyncedStatus.Completed {
		return true
	}
	if !item.Status.Completed {
		diff := item.Status.TimeMs - info.SyncedStatus.TimeMs
		if diff < 0 {
			diff = -diff
		}
		return diff >= models.InProgressThresholdMs
	}
	return false
}

// removalLibrary selects server items absent from the global state; those
// were pruned this cycle (or earlier) and must be unmarked on the server.
func removalLibrary(sLib, gLib models.LibraryData) (models.LibraryData, bool) {
	removal := models.LibraryData{Title: sLib.Title}
	any := false

	for _, sMov := range sLib.Movies {
		// Items with no usable identifier can never match the global state;
		// without this they would ride every removals payload forever.
		if !sMov.Identifiers.Usable() {
			continue
		}
		found := false
		for _, gMov := range gLib.Movies {
			if models.SameItems(sMov, gMov) {
				found = true
				break
			}
		}
		if !found {
			removal.Movies = append(removal.Movies, sMov)
			any = true
		}
	}

	for _, sSer := range sLib.Series {
		if !sSer.Identifiers.Usable() {
			continue
		}
		var gMatch *models.Series
		for i := range gLib.Series {
			if models.Same(gLib.Series[i].Identifiers, sSer.Identifiers) {
				gMatch = &gLib.Series[i]
				break
			}
		}
		if gMatch == nil {
			removal.Series = append(removal.Series, sSer)
			any = true
			continue
		}
		var eps []models.MediaItem
		for _, sEp := range sSer.Episodes {
			if !sEp.Identifiers.Usable() {
				continue
			}
			found := false
			for _, gEp := range gMatch.Episodes {
				if models.SameItems(sEp, gEp) {
					found = true
					break
				}
			}
			if !found {
				eps = append(eps, sEp)
			}
		}
		if len(eps) > 0 {
			removal.Series = append(removal.Series, models.Series{Identifiers: sSer.Identifiers, Episodes: eps})
			any = true
		}
	}
	return removal, any
}

// stampLibrary records successful pushes in the global ledger.
func stampLibrary(gLib models.LibraryData, diffLib models.LibraryData, serverID string, now int64) {
	for _, diffMov := range diffLib.Movies {
		for i := range gLib.Movies {
			if models.SameItems(diffMov, gLib.Movies[i]) {
				gLib.Movies[i].SetSynced(serverID, now)
				break
			}
		}
	}
	for _, diffSer := range diffLib.Series {
		for i := range gLib.Series {
			if !models.Same(diffSer.Identifiers, gLib.Series[i].Identifiers) {
				continue
			}
			for _, diffEp := range diffSer.Episodes {
				for j := range gLib.Series[i].Episodes {
					if models.SameItems(diffEp, gLib.Series[i].Episodes[j]) {
						gLib.Series[i].Episodes[j].SetSynced(serverID, now)
						break
					}
				}
			}
			break
		}
	}
}
