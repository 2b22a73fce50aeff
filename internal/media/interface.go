package media

import (
	"context"

	"watchsync/internal/models"
)

// Server is the capability set the reconciler consumes. Each instance
// represents one media server; MachineID is the stable identity used as the
// server key in every ledger and snapshot.
type Server interface {
	Info() string
	MachineID() string

	// Users returns the accounts with access to this server.
	Users(ctx context.Context) ([]models.ServerUser, error)

	// Libraries returns library name to type, movie and show libraries only.
	Libraries(ctx context.Context) (map[string]models.LibraryType, error)

	// Watched returns watched and in-progress items per server-local user
	// name. prev is the previous global state; drivers reuse identifiers from
	// it for items they recognize so GUIDs stay stable across cycles.
	Watched(ctx context.Context, users []models.ServerUser, libraries map[string]models.LibraryType, prev *models.WatchedState) (map[string]models.UserData, error)

	// Playlists returns regular (non-smart) playlists per server-local user.
	Playlists(ctx context.Context, users []models.ServerUser, prev *models.PlaylistState) (map[string]models.UserPlaylists, error)

	// UpdateWatched marks, unmarks and sets progress. additions and removals
	// are keyed by server-local user name.
	UpdateWatched(ctx context.Context, additions, removals map[string]models.UserData, userMapping, libraryMapping map[string]string, dryrun bool) error

	// UpdatePlaylists creates missing playlists and adds missing items.
	UpdatePlaylists(ctx context.Context, snapshots map[string]models.UserPlaylists, userMapping map[string]string, dryrun bool) error

	DeletePlaylistByTitle(ctx context.Context, user, title string, dryrun bool) error
	RemoveItemFromPlaylist(ctx context.Context, user, title string, item models.MediaIdentifiers, dryrun bool) error

	Close() error
}
