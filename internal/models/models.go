package models

// InProgressThresholdMs is the minimum playback offset that counts as real
// progress. Anything below it is treated as "not started" for both ingest
// and diffing.
const InProgressThresholdMs = 60_000

type ServerType string

const (
	ServerTypePlex     ServerType = "plex"
	ServerTypeEmby     ServerType = "emby"
	ServerTypeJellyfin ServerType = "jellyfin"
)

type LibraryType string

const (
	LibraryTypeMovie LibraryType = "movie"
	LibraryTypeShow  LibraryType = "show"
)

// ServerUser is a user account as reported by one server. Name is the
// server-local name; canonicalization through the user mapping happens in the
// sync pipeline, not here.
type ServerUser struct {
	Name    string
	IsAdmin bool
}

// MediaIdentifiers is the bag of identifiers used for cross-server matching.
// The JSON layout matches the persisted state files, including the historical
// "plex_guid" key for the server-native GUID.
type MediaIdentifiers struct {
	Title      string   `json:"title,omitempty"`
	Locations  []string `json:"locations,omitempty"`
	IMDBID     string   `json:"imdb_id,omitempty"`
	TVDBID     string   `json:"tvdb_id,omitempty"`
	TMDBID     string   `json:"tmdb_id,omitempty"`
	NativeGUID string   `json:"plex_guid,omitempty"`

	// Ledger for playlist items, which are bare identifiers. Watched items
	// carry their ledger on MediaItem instead.
	SyncedToServers map[string]ServerSyncInfo `json:"synced_to_servers,omitempty"`
}

// Usable reports whether the item can be matched at all. Title alone is never
// sufficient.
func (m MediaIdentifiers) Usable() bool {
	return m.NativeGUID != "" || m.IMDBID != "" || m.TVDBID != "" || m.TMDBID != "" || len(m.Locations) > 0
}

type WatchedStatus struct {
	Completed    bool  `json:"completed"`
	TimeMs       int64 `json:"time"`
	LastViewedAt int64 `json:"last_viewed_at,omitempty"`
}

// ServerSyncInfo is the snapshot of an item's global status at the moment it
// was last confirmed equivalent on a server.
type ServerSyncInfo struct {
	SyncedAt     int64         `json:"synced_at"`
	SyncedStatus WatchedStatus `json:"synced_status"`
}

type MediaItem struct {
	Identifiers     MediaIdentifiers          `json:"identifiers"`
	Status          WatchedStatus             `json:"status"`
	SyncedToServers map[string]ServerSyncInfo `json:"synced_to_servers,omitempty"`
}

// SetSynced stamps the ledger entry for serverID with a copy of the item's
// current status.
func (m *MediaItem) SetSynced(serverID string, now int64) {
	if m.SyncedToServers == nil {
		m.SyncedToServers = make(map[string]ServerSyncInfo)
	}
	m.SyncedToServers[serverID] = ServerSyncInfo{SyncedAt: now, SyncedStatus: m.Status}
}

// HasRecentChange reports whether the item's current completed flag differs
// from any ledger entry's recorded status. It indicates a deliberate user
// action (typically an unmark) that merge must not override with older data.
func (m MediaItem) HasRecentChange() bool {
	for _, info := range m.SyncedToServers {
		if info.SyncedStatus.Completed != m.Status.Completed {
			return true
		}
	}
	return false
}

type Series struct {
	Identifiers MediaIdentifiers `json:"identifiers"`
	Episodes    []MediaItem      `json:"episodes"`
}

type LibraryData struct {
	Title  string      `json:"title"`
	Movies []MediaItem `json:"movies"`
	Series []Series    `json:"series"`
}

func (l LibraryData) Empty() bool {
	return len(l.Movies) == 0 && len(l.Series) == 0
}

type UserData struct {
	Libraries map[string]LibraryData `json:"libraries"`
}

func NewUserData() UserData {
	return UserData{Libraries: make(map[string]LibraryData)}
}

// WatchedState is the global watched view, persisted across runs and keyed by
// canonical user name.
type WatchedState struct {
	Users map[string]UserData `json:"users"`
}

func NewWatchedState() *WatchedState {
	return &WatchedState{Users: make(map[string]UserData)}
}

type Playlist struct {
	Title string             `json:"title"`
	Items []MediaIdentifiers `json:"items"`
}

type UserPlaylists struct {
	Playlists map[string]Playlist `json:"playlists"`
}

func NewUserPlaylists() UserPlaylists {
	return UserPlaylists{Playlists: make(map[string]Playlist)}
}

type PlaylistState struct {
	Users map[string]UserPlaylists `json:"users"`
}

func NewPlaylistState() *PlaylistState {
	return &PlaylistState{Users: make(map[string]UserPlaylists)}
}
