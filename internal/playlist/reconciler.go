// Package playlist implements cross-server playlist reconciliation: curated
// playlists are merged into a global state and differences are pushed back as
// create/add/remove actions.
package playlist

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"watchsync/internal/config"
	"watchsync/internal/log"
	"watchsync/internal/media"
	"watchsync/internal/models"
	"watchsync/internal/state"
	"watchsync/internal/sync"
)

type actionKind string

const (
	actionCreatePlaylist actionKind = "create_playlist"
	actionDeletePlaylist actionKind = "delete_playlist"
	actionAddItem        actionKind = "add_item"
	actionRemoveItem     actionKind = "remove_item"
)

type action struct {
	kind  actionKind
	title string
	item  models.MediaIdentifiers
}

type Reconciler struct {
	servers []media.Server
	cfg     *config.Config
	store   *state.Store
	logger  zerolog.Logger

	now func() int64
}

func New(servers []media.Server, cfg *config.Config, store *state.Store) *Reconciler {
	return &Reconciler{
		servers: servers,
		cfg:     cfg,
		store:   store,
		logger:  log.WithComponent("playlist"),
		now:     func() int64 { return time.Now().Unix() },
	}
}

type snapshot struct {
	server media.Server
	data   map[string]models.UserPlaylists
}

// Sync runs one playlist reconciliation cycle.
func (r *Reconciler) Sync(ctx context.Context) (*models.PlaylistState, error) {
	st := r.store.LoadPlaylists()

	snapshots := r.fetch(ctx, st)
	if len(snapshots) == 0 {
		r.logger.Warn().Msg("no playlist data fetched, skipping cycle")
		return st, nil
	}

	trashed := r.applyDeletions(st, snapshots)
	r.merge(st, snapshots, trashed)
	r.markSynced(st, snapshots)
	if err := r.store.SavePlaylists(st); err != nil {
		return nil, err
	}

	actions := r.planActions(st, snapshots)
	r.execute(ctx, st, snapshots, actions)
	if err := r.store.SavePlaylists(st); err != nil {
		return nil, err
	}
	r.logger.Info().Msg("playlist cycle complete")
	return st, nil
}

func (r *Reconciler) fetch(ctx context.Context, prev *models.PlaylistState) map[string]snapshot {
	snapshots := make(map[string]snapshot, len(r.servers))
	for _, server := range r.servers {
		logger := log.WithServer(server.Info())

		users, err := server.Users(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to fetch users, excluding server from playlist cycle")
			continue
		}
		users = sync.FilterUsers(users, r.cfg.WhitelistUsers, r.cfg.BlacklistUsers)
		if len(users) == 0 {
			logger.Debug().Msg("no users to sync after filtering")
			continue
		}

		data, err := server.Playlists(ctx, users, prev)
		if err != nil {
			logger.Error().Err(err).Msg("failed to fetch playlists, excluding server from playlist cycle")
			continue
		}
		// Titles key the global state and are compared by equality, so every
		// snapshot title is put into NFC form on the way in.
		for user, pls := range data {
			normalized := make(map[string]models.Playlist, len(pls.Playlists))
			for title, pl := range pls.Playlists {
				nfc := models.NormalizeTitle(title)
				pl.Title = nfc
				normalized[nfc] = pl
				logger.Debug().Str("user", user).Str("playlist", nfc).Int("items", len(pl.Items)).
					Msg("fetched playlist")
			}
			pls.Playlists = normalized
			data[user] = pls
		}
		snapshots[server.MachineID()] = snapshot{server: server, data: data}
	}
	return snapshots
}

func (r *Reconciler) canonicalUser(name string) string {
	return strings.ToLower(models.Canonical(r.cfg.UserMapping, name))
}

// trashKey scopes removals to one user's playlist so the same title owned by
// another user is unaffected.
type trashKey struct {
	user  string
	title string
}

// applyDeletions removes global items that a server stopped reporting after
// having been confirmed synced there. Ledger-stamped absence distinguishes a
// deliberate removal from an item that merely has not arrived yet.
func (r *Reconciler) applyDeletions(st *models.PlaylistState, snapshots map[string]snapshot) map[trashKey][]models.MediaIdentifiers {
	trashed := make(map[trashKey][]models.MediaIdentifiers)

	for serverID, snap := range snapshots {
		for localUser, userPls := range snap.data {
			gUser := r.canonicalUser(localUser)
			userState, ok := st.Users[gUser]
			if !ok {
				continue
			}

			for title, serverPl := range userPls.Playlists {
				statePl, ok := userState.Playlists[title]
				if !ok {
					continue
				}

				var kept []models.MediaIdentifiers
				for _, item := range statePl.Items {
					if _, synced := item.SyncedToServers[serverID]; synced && !containsItem(serverPl.Items, item) {
						r.logger.Info().Str("user", gUser).Str("playlist", title).Str("title", item.Title).
							Str("server", snap.server.Info()).Msg("playlist item deletion detected")
						key := trashKey{user: gUser, title: title}
						trashed[key] = append(trashed[key], item)
						continue
					}
					kept = append(kept, item)
				}
				statePl.Items = kept
				userState.Playlists[title] = statePl
			}
			st.Users[gUser] = userState
		}
	}
	return trashed
}

// merge folds server playlists into the global state, skipping items that
// were just deleted elsewhere.
func (r *Reconciler) merge(st *models.PlaylistState, snapshots map[string]snapshot, trashed map[trashKey][]models.MediaIdentifiers) {
	for _, snap := range snapshots {
		for localUser, userPls := range snap.data {
			gUser := r.canonicalUser(localUser)
			userState, ok := st.Users[gUser]
			if !ok {
				userState = models.NewUserPlaylists()
			}

			for title, serverPl := range userPls.Playlists {
				statePl, ok := userState.Playlists[title]
				if !ok {
					statePl = models.Playlist{Title: title}
				}
				key := trashKey{user: gUser, title: title}

				for _, item := range serverPl.Items {
					if containsItem(trashed[key], item) {
						continue
					}
					merged := false
					for i := range statePl.Items {
						if models.Same(statePl.Items[i], item) {
							models.MergeIdentifiers(&statePl.Items[i], item)
							merged = true
							break
						}
					}
					if !merged {
						item.SyncedToServers = nil
						statePl.Items = append(statePl.Items, item)
					}
				}
				userState.Playlists[title] = statePl
			}
			st.Users[gUser] = userState
		}
	}
}

// markSynced stamps the ledger for items a server currently reports. Playlist
// items have no watched status, so the recorded status is a fixed placeholder.
func (r *Reconciler) markSynced(st *models.PlaylistState, snapshots map[string]snapshot) {
	now := r.now()
	for serverID, snap := range snapshots {
		for localUser, userPls := range snap.data {
			userState, ok := st.Users[r.canonicalUser(localUser)]
			if !ok {
				continue
			}
			for title, serverPl := range userPls.Playlists {
				statePl, ok := userState.Playlists[title]
				if !ok {
					continue
				}
				for _, sItem := range serverPl.Items {
					for i := range statePl.Items {
						if models.Same(sItem, statePl.Items[i]) {
							if statePl.Items[i].SyncedToServers == nil {
								statePl.Items[i].SyncedToServers = make(map[string]models.ServerSyncInfo)
							}
							statePl.Items[i].SyncedToServers[serverID] = models.ServerSyncInfo{
								SyncedAt:     now,
								SyncedStatus: models.WatchedStatus{Completed: true},
							}
							break
						}
					}
				}
				userState.Playlists[title] = statePl
			}
		}
	}
}

// planActions computes per-server, per-local-user action lists from the diff
// between the global state and each server snapshot.
func (r *Reconciler) planActions(st *models.PlaylistState, snapshots map[string]snapshot) map[string]map[string][]action {
	actions := make(map[string]map[string][]action, len(snapshots))

	for serverID, snap := range snapshots {
		serverActions := make(map[string][]action)

		for localUser, userPls := range snap.data {
			userState, ok := st.Users[r.canonicalUser(localUser)]
			if !ok {
				continue
			}

			var acts []action
			for title, statePl := range userState.Playlists {
				serverPl, exists := userPls.Playlists[title]
				if !exists {
					acts = append(acts, action{kind: actionCreatePlaylist, title: title})
				}

				for _, gItem := range statePl.Items {
					if _, synced := gItem.SyncedToServers[serverID]; synced {
						continue
					}
					if !containsItem(serverPl.Items, gItem) {
						acts = append(acts, action{kind: actionAddItem, title: title, item: gItem})
					}
				}

				if exists {
					for _, sItem := range serverPl.Items {
						if !containsItem(statePl.Items, sItem) {
							acts = append(acts, action{kind: actionRemoveItem, title: title, item: sItem})
						}
					}
				}
			}
			if len(acts) > 0 {
				serverActions[localUser] = acts
			}
		}
		actions[serverID] = serverActions
	}
	return actions
}

// execute applies the planned actions. Creations and additions are grouped
// into one UpdatePlaylists call per server carrying the full global playlist;
// removals and deletions go through the individual operations.
func (r *Reconciler) execute(ctx context.Context, st *models.PlaylistState, snapshots map[string]snapshot, actions map[string]map[string][]action) {
	for serverID, snap := range snapshots {
		userActions := actions[serverID]
		total := 0
		for _, acts := range userActions {
			total += len(acts)
		}
		logger := log.WithServer(snap.server.Info())
		if total == 0 {
			logger.Info().Msg("no playlist actions needed")
			continue
		}
		logger.Info().Int("actions", total).Msg("executing playlist actions")

		updates := make(map[string]models.UserPlaylists)
		for localUser, acts := range userActions {
			gUser := r.canonicalUser(localUser)
			for _, act := range acts {
				switch act.kind {
				case actionCreatePlaylist, actionAddItem:
					statePl, ok := st.Users[gUser].Playlists[act.title]
					if !ok {
						continue
					}
					userUpdate, ok := updates[localUser]
					if !ok {
						userUpdate = models.NewUserPlaylists()
					}
					userUpdate.Playlists[act.title] = statePl
					updates[localUser] = userUpdate

				case actionDeletePlaylist:
					if err := snap.server.DeletePlaylistByTitle(ctx, localUser, act.title, r.cfg.Dryrun); err != nil {
						logger.Error().Err(err).Str("user", localUser).Str("playlist", act.title).
							Msg("failed to delete playlist")
					}

				case actionRemoveItem:
					if err := snap.server.RemoveItemFromPlaylist(ctx, localUser, act.title, act.item, r.cfg.Dryrun); err != nil {
						logger.Error().Err(err).Str("user", localUser).Str("playlist", act.title).
							Msg("failed to remove playlist item")
					}
				}
			}
		}
		if len(updates) > 0 {
			if err := snap.server.UpdatePlaylists(ctx, updates, r.cfg.UserMapping, r.cfg.Dryrun); err != nil {
				logger.Error().Err(err).Msg("failed to update playlists")
			}
		}
	}
}

func containsItem(items []models.MediaIdentifiers, target models.MediaIdentifiers) bool {
	for _, item := range items {
		if models.Same(item, target) {
			return true
		}
	}
	return false
}
