package plex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"watchsync/internal/models"
)

func (s *Server) Playlists(ctx context.Context, users []models.ServerUser, prev *models.PlaylistState) (map[string]models.UserPlaylists, error) {
	index := playlistIndex(prev)

	out := make(map[string]models.UserPlaylists, len(users))
	for _, user := range users {
		token, err := s.userToken(ctx, user.Name)
		if err != nil {
			s.logger.Error().Err(err).Str("user", user.Name).Msg("failed to resolve user token, skipping playlists")
			continue
		}

		playlists, err := s.userPlaylists(ctx, token)
		if err != nil {
			s.logger.Error().Err(err).Str("user", user.Name).Msg("failed to list playlists")
			continue
		}

		snapshot := models.NewUserPlaylists()
		for _, pl := range playlists {
			// Smart playlists are queries, not curated lists; syncing them
			// would fight the server.
			if pl.Smart == "1" {
				continue
			}
			items, err := s.playlistItems(ctx, token, pl.RatingKey)
			if err != nil {
				s.logger.Error().Err(err).Str("user", user.Name).Str("playlist", pl.Title).
					Msg("failed to list playlist items")
				continue
			}
			// Titles are compared by equality downstream, so they must be in
			// a single Unicode form regardless of how the server encodes them.
			title := models.NormalizeTitle(pl.Title)
			entry := models.Playlist{Title: title}
			for _, item := range items {
				if item.Type != "movie" && item.Type != "episode" {
					continue
				}
				ids := s.itemIdentifiers(item, index)
				if !ids.Usable() && ids.Title == "" {
					continue
				}
				entry.Items = append(entry.Items, ids)
			}
			if len(entry.Items) > 0 {
				snapshot.Playlists[title] = entry
			}
		}
		out[user.Name] = snapshot
	}
	return out, nil
}

type playlistEntry struct {
	RatingKey string
	Title     string
	Smart     string
}

func (s *Server) userPlaylists(ctx context.Context, token string) ([]playlistEntry, error) {
	var container struct {
		Playlists []struct {
			RatingKey string `xml:"ratingKey,attr"`
			Title     string `xml:"title,attr"`
			Smart     string `xml:"smart,attr"`
		} `xml:"Playlist"`
	}
	query := url.Values{"playlistType": {"video"}}
	if err := s.getXML(ctx, s.url+"/playlists", token, query, &container); err != nil {
		return nil, err
	}
	out := make([]playlistEntry, 0, len(container.Playlists))
	for _, pl := range container.Playlists {
		out = append(out, playlistEntry{RatingKey: pl.RatingKey, Title: pl.Title, Smart: pl.Smart})
	}
	return out, nil
}

func (s *Server) playlistItems(ctx context.Context, token, ratingKey string) ([]videoItem, error) {
	var container videoContainer
	query := url.Values{"includeGuids": {"1"}}
	if err := s.getXML(ctx, s.url+"/playlists/"+ratingKey+"/items", token, query, &container); err != nil {
		return nil, err
	}
	return container.Videos, nil
}

func playlistIndex(prev *models.PlaylistState) *models.IdentifierIndex {
	state := models.NewWatchedState()
	if prev != nil {
		for user, pls := range prev.Users {
			data := models.NewUserData()
			lib := models.LibraryData{Title: "playlists"}
			for _, pl := range pls.Playlists {
				for _, ids := range pl.Items {
					ids.SyncedToServers = nil
					lib.Movies = append(lib.Movies, models.MediaItem{Identifiers: ids})
				}
			}
			data.Libraries[lib.Title] = lib
			state.Users[user] = data
		}
	}
	return models.BuildIdentifierIndex(state, "")
}

func (s *Server) UpdatePlaylists(ctx context.Context, snapshots map[string]models.UserPlaylists, userMapping map[string]string, dryrun bool) error {
	for userName, target := range snapshots {
		token, err := s.resolveUserToken(ctx, userName, userMapping)
		if err != nil {
			s.logger.Warn().Err(err).Str("user", userName).Msg("user not found on server, skipping playlists")
			continue
		}

		existing, err := s.userPlaylists(ctx, token)
		if err != nil {
			s.logger.Error().Err(err).Str("user", userName).Msg("failed to list playlists")
			continue
		}
		existingByTitle := make(map[string]playlistEntry, len(existing))
		for _, pl := range existing {
			existingByTitle[models.NormalizeTitle(pl.Title)] = pl
		}

		for title, playlist := range target.Playlists {
			if pl, ok := existingByTitle[models.NormalizeTitle(title)]; ok {
				s.addMissingPlaylistItems(ctx, userName, token, pl, playlist, dryrun)
			} else {
				s.createPlaylist(ctx, userName, token, playlist, dryrun)
			}
		}
	}
	return nil
}

func (s *Server) createPlaylist(ctx context.Context, userName, token string, playlist models.Playlist, dryrun bool) {
	keys := s.resolveRatingKeys(ctx, userName, token, playlist.Items)
	if len(keys) == 0 {
		s.logger.Debug().Str("user", userName).Str("playlist", playlist.Title).
			Msg("no resolvable items, skipping playlist creation")
		return
	}
	event := s.logger.Info().Str("user", userName).Str("playlist", playlist.Title).Int("items", len(keys))
	if dryrun {
		event.Bool("dryrun", true).Msg("creating playlist")
		return
	}
	event.Msg("creating playlist")

	query := url.Values{
		"title": {playlist.Title},
		"type":  {"video"},
		"smart": {"0"},
		"uri":   {s.metadataURI(keys)},
	}
	if _, err := s.do(ctx, http.MethodPost, s.url+"/playlists", token, query); err != nil {
		s.logger.Error().Err(err).Str("user", userName).Str("playlist", playlist.Title).
			Msg("failed to create playlist")
	}
}

func (s *Server) addMissingPlaylistItems(ctx context.Context, userName, token string, pl playlistEntry, target models.Playlist, dryrun bool) {
	current, err := s.playlistItems(ctx, token, pl.RatingKey)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userName).Str("playlist", target.Title).
			Msg("failed to list playlist items")
		return
	}
	currentIdentifiers := make([]models.MediaIdentifiers, 0, len(current))
	for _, item := range current {
		currentIdentifiers = append(currentIdentifiers, s.extractIdentifiers(item))
	}

	var missing []models.MediaIdentifiers
	for _, want := range target.Items {
		found := false
		for _, have := range currentIdentifiers {
			if models.Same(want, have) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	if len(missing) == 0 {
		return
	}

	keys := s.resolveRatingKeys(ctx, userName, token, missing)
	if len(keys) == 0 {
		return
	}
	event := s.logger.Info().Str("user", userName).Str("playlist", target.Title).Int("items", len(keys))
	if dryrun {
		event.Bool("dryrun", true).Msg("adding playlist items")
		return
	}
	event.Msg("adding playlist items")

	query := url.Values{"uri": {s.metadataURI(keys)}}
	if _, err := s.do(ctx, http.MethodPut, s.url+"/playlists/"+pl.RatingKey+"/items", token, query); err != nil {
		s.logger.Error().Err(err).Str("user", userName).Str("playlist", target.Title).
			Msg("failed to add playlist items")
	}
}

func (s *Server) metadataURI(ratingKeys []string) string {
	return fmt.Sprintf("server://%s/%s/library/metadata/%s",
		s.machineID, libraryIdentifier, strings.Join(ratingKeys, ","))
}

// resolveRatingKeys finds server rating keys for identifier bags by title
// search followed by identifier matching.
func (s *Server) resolveRatingKeys(ctx context.Context, userName, token string, targets []models.MediaIdentifiers) []string {
	var keys []string
	for _, target := range targets {
		if target.Title == "" && !target.Usable() {
			continue
		}
		var container videoContainer
		query := url.Values{
			"query":        {target.Title},
			"includeGuids": {"1"},
		}
		if err := s.getXML(ctx, s.url+"/search", token, query, &container); err != nil {
			s.logger.Error().Err(err).Str("user", userName).Str("title", target.Title).
				Msg("item search failed")
			continue
		}
		for _, item := range container.Videos {
			if item.Type != "movie" && item.Type != "episode" {
				continue
			}
			if models.Same(s.extractIdentifiers(item), target) {
				keys = append(keys, item.RatingKey)
				break
			}
		}
	}
	return keys
}

func (s *Server) DeletePlaylistByTitle(ctx context.Context, user, title string, dryrun bool) error {
	token, err := s.userToken(ctx, user)
	if err != nil {
		return err
	}
	playlists, err := s.userPlaylists(ctx, token)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if models.NormalizeTitle(pl.Title) != models.NormalizeTitle(title) {
			continue
		}
		event := s.logger.Info().Str("user", user).Str("playlist", title)
		if dryrun {
			event.Bool("dryrun", true).Msg("deleting playlist")
			return nil
		}
		event.Msg("deleting playlist")
		_, err := s.do(ctx, http.MethodDelete, s.url+"/playlists/"+pl.RatingKey, token, nil)
		return err
	}
	s.logger.Warn().Str("user", user).Str("playlist", title).Msg("playlist not found for deletion")
	return nil
}

func (s *Server) RemoveItemFromPlaylist(ctx context.Context, user, title string, item models.MediaIdentifiers, dryrun bool) error {
	token, err := s.userToken(ctx, user)
	if err != nil {
		return err
	}
	playlists, err := s.userPlaylists(ctx, token)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if models.NormalizeTitle(pl.Title) != models.NormalizeTitle(title) {
			continue
		}
		entries, err := s.playlistItems(ctx, token, pl.RatingKey)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type != "movie" && entry.Type != "episode" {
				continue
			}
			if !models.Same(s.extractIdentifiers(entry), item) {
				continue
			}
			event := s.logger.Info().Str("user", user).Str("playlist", title).Str("title", item.Title)
			if dryrun {
				event.Bool("dryrun", true).Msg("removing playlist item")
				return nil
			}
			event.Msg("removing playlist item")
			_, err := s.do(ctx, http.MethodDelete,
				s.url+"/playlists/"+pl.RatingKey+"/items/"+entry.PlaylistItemID, token, nil)
			return err
		}
		return nil
	}
	return nil
}
