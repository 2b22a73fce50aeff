package embybase

import (
	"context"
	"net/url"
	"strings"

	"watchsync/internal/models"
)

func (c *Client) Playlists(ctx context.Context, users []models.ServerUser, prev *models.PlaylistState) (map[string]models.UserPlaylists, error) {
	index := playlistIndex(prev)

	out := make(map[string]models.UserPlaylists, len(users))
	for _, user := range users {
		uid, ok := c.userIDs[strings.ToLower(user.Name)]
		if !ok {
			continue
		}

		playlists, err := c.userPlaylists(ctx, uid)
		if err != nil {
			c.logger.Error().Err(err).Str("user", user.Name).Msg("failed to list playlists")
			continue
		}

		snapshot := models.NewUserPlaylists()
		for _, pl := range playlists {
			items, err := c.playlistItems(ctx, uid, pl.ID)
			if err != nil {
				c.logger.Error().Err(err).Str("user", user.Name).Str("playlist", pl.Name).
					Msg("failed to list playlist items")
				continue
			}
			// Titles are compared by equality downstream, so they must be in
			// a single Unicode form regardless of how the server encodes them.
			title := models.NormalizeTitle(pl.Name)
			entry := models.Playlist{Title: title}
			for _, dto := range items {
				if dto.Type != "Movie" && dto.Type != "Episode" {
					continue
				}
				ids := c.itemIdentifiers(dto, index)
				if !ids.Usable() && ids.Title == "" {
					continue
				}
				entry.Items = append(entry.Items, ids)
			}
			snapshot.Playlists[title] = entry
		}
		out[user.Name] = snapshot
	}
	return out, nil
}

func (c *Client) userPlaylists(ctx context.Context, uid string) ([]itemDTO, error) {
	return c.userItems(ctx, uid, url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Playlist"},
	})
}

func (c *Client) playlistItems(ctx context.Context, uid, playlistID string) ([]itemDTO, error) {
	var page itemsPage
	query := url.Values{
		"UserId": {uid},
		"Fields": {itemFields},
	}
	if err := c.getJSON(ctx, "/Playlists/"+playlistID+"/Items", query, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// playlistIndex lets re-enumerated playlist items pick up identifiers that
// were persisted on earlier cycles, e.g. external IDs contributed by another
// server.
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
