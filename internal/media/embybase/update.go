package embybase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"watchsync/internal/models"
)

// serverItem pairs a server-side item ID with enough identifiers to match it
// against global state.
type serverItem struct {
	id     string
	ids    models.MediaIdentifiers
	played bool
	timeMs int64
}

func (c *Client) UpdateWatched(ctx context.Context, additions, removals map[string]models.UserData, userMapping, libraryMapping map[string]string, dryrun bool) error {
	userNames := make(map[string]struct{}, len(additions)+len(removals))
	for name := range additions {
		userNames[name] = struct{}{}
	}
	for name := range removals {
		userNames[name] = struct{}{}
	}

	for name := range userNames {
		uid, ok := c.userID(name, userMapping)
		if !ok {
			c.logger.Warn().Str("user", name).Msg("user not found on server, skipping updates")
			continue
		}
		c.updateUserWatched(ctx, name, uid, additions[name], removals[name], libraryMapping, dryrun)
	}
	return nil
}

func (c *Client) updateUserWatched(ctx context.Context, userName, uid string, additions, removals models.UserData, libraryMapping map[string]string, dryrun bool) {
	libraryNames := make(map[string]struct{})
	for lib := range additions.Libraries {
		libraryNames[lib] = struct{}{}
	}
	for lib := range removals.Libraries {
		libraryNames[lib] = struct{}{}
	}

	for libName := range libraryNames {
		libID, ok := c.libraryID(libName, libraryMapping)
		if !ok {
			c.logger.Debug().Str("library", libName).Msg("library not present on server, skipping")
			continue
		}

		add := additions.Libraries[libName]
		remove := removals.Libraries[libName]
		if add.Empty() && remove.Empty() {
			continue
		}

		inventory, err := c.libraryInventory(ctx, uid, libID)
		if err != nil {
			c.logger.Error().Err(err).Str("user", userName).Str("library", libName).
				Msg("failed to enumerate library for update")
			continue
		}

		for _, movie := range add.Movies {
			c.applyStatus(ctx, userName, uid, inventory, movie, dryrun)
		}
		for _, series := range add.Series {
			for _, ep := range series.Episodes {
				c.applyStatus(ctx, userName, uid, inventory, ep, dryrun)
			}
		}

		for _, movie := range remove.Movies {
			c.clearStatus(ctx, userName, uid, inventory, movie, dryrun)
		}
		for _, series := range remove.Series {
			for _, ep := range series.Episodes {
				c.clearStatus(ctx, userName, uid, inventory, ep, dryrun)
			}
		}
	}
}

func (c *Client) libraryInventory(ctx context.Context, uid, libID string) ([]serverItem, error) {
	dtos, err := c.userItems(ctx, uid, url.Values{
		"ParentId":         {libID},
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie,Episode"},
		"Fields":           {itemFields},
	})
	if err != nil {
		return nil, err
	}
	items := make([]serverItem, 0, len(dtos))
	for _, dto := range dtos {
		item := serverItem{id: dto.ID, ids: c.itemIdentifiers(dto, nil)}
		if dto.UserData != nil {
			item.played = dto.UserData.Played
			item.timeMs = dto.UserData.PlaybackPositionTicks / ticksPerMs
		}
		items = append(items, item)
	}
	return items, nil
}

func findServerItem(inventory []serverItem, target models.MediaIdentifiers) (serverItem, bool) {
	for _, item := range inventory {
		if models.Same(item.ids, target) {
			return item, true
		}
	}
	return serverItem{}, false
}

func (c *Client) applyStatus(ctx context.Context, userName, uid string, inventory []serverItem, target models.MediaItem, dryrun bool) {
	item, ok := findServerItem(inventory, target.Identifiers)
	if !ok {
		c.logger.Debug().Str("user", userName).Str("title", target.Identifiers.Title).
			Msg("item to update not found on server")
		return
	}

	switch {
	case target.Status.Completed:
		if item.played {
			return
		}
		c.logEvent(userName, target, dryrun, "marking watched")
		if dryrun {
			return
		}
		if _, err := c.do(ctx, http.MethodPost, "/Users/"+uid+"/PlayedItems/"+item.id, nil, nil); err != nil {
			c.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
				Msg("failed to mark watched")
		}
	default:
		// A played server copy must be unmarked first, otherwise progress
		// alone leaves the item flagged as played.
		if item.played {
			c.logEvent(userName, target, dryrun, "marking unwatched")
			if !dryrun {
				if _, err := c.do(ctx, http.MethodDelete, "/Users/"+uid+"/PlayedItems/"+item.id, nil, nil); err != nil {
					c.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
						Msg("failed to mark unwatched")
				}
			}
		}
		if target.Status.TimeMs < models.InProgressThresholdMs {
			return
		}
		// Only push progress when it moves the needle by at least the
		// in-progress threshold.
		if absDiff(item.timeMs, target.Status.TimeMs) < models.InProgressThresholdMs {
			return
		}
		c.logEvent(userName, target, dryrun, "setting playback progress")
		if dryrun {
			return
		}
		payload := map[string]any{
			"PlaybackPositionTicks": target.Status.TimeMs * ticksPerMs,
			"Played":                false,
		}
		if _, err := c.do(ctx, http.MethodPost, "/Users/"+uid+"/Items/"+item.id+"/UserData", nil, payload); err != nil {
			c.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
				Msg("failed to set playback progress")
		}
	}
}

func (c *Client) clearStatus(ctx context.Context, userName, uid string, inventory []serverItem, target models.MediaItem, dryrun bool) {
	item, ok := findServerItem(inventory, target.Identifiers)
	if !ok || !item.played {
		return
	}
	c.logEvent(userName, target, dryrun, "marking unwatched")
	if dryrun {
		return
	}
	if _, err := c.do(ctx, http.MethodDelete, "/Users/"+uid+"/PlayedItems/"+item.id, nil, nil); err != nil {
		c.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
			Msg("failed to mark unwatched")
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (c *Client) logEvent(userName string, target models.MediaItem, dryrun bool, msg string) {
	event := c.logger.Info().Str("user", userName).Str("title", target.Identifiers.Title)
	if dryrun {
		event.Bool("dryrun", true)
	}
	event.Msg(msg)
}

func (c *Client) UpdatePlaylists(ctx context.Context, snapshots map[string]models.UserPlaylists, userMapping map[string]string, dryrun bool) error {
	for userName, target := range snapshots {
		uid, ok := c.userID(userName, userMapping)
		if !ok {
			c.logger.Warn().Str("user", userName).Msg("user not found on server, skipping playlists")
			continue
		}

		existing, err := c.userPlaylists(ctx, uid)
		if err != nil {
			c.logger.Error().Err(err).Str("user", userName).Msg("failed to list playlists")
			continue
		}
		existingByTitle := make(map[string]itemDTO, len(existing))
		for _, pl := range existing {
			existingByTitle[models.NormalizeTitle(pl.Name)] = pl
		}

		for title, playlist := range target.Playlists {
			if pl, ok := existingByTitle[models.NormalizeTitle(title)]; ok {
				c.addMissingPlaylistItems(ctx, userName, uid, pl.ID, playlist, dryrun)
			} else {
				c.createPlaylist(ctx, userName, uid, playlist, dryrun)
			}
		}
	}
	return nil
}

func (c *Client) createPlaylist(ctx context.Context, userName, uid string, playlist models.Playlist, dryrun bool) {
	ids := c.resolveItemIDs(ctx, userName, uid, playlist.Items)
	if len(ids) == 0 {
		c.logger.Debug().Str("user", userName).Str("playlist", playlist.Title).
			Msg("no resolvable items, skipping playlist creation")
		return
	}
	event := c.logger.Info().Str("user", userName).Str("playlist", playlist.Title).Int("items", len(ids))
	if dryrun {
		event.Bool("dryrun", true).Msg("creating playlist")
		return
	}
	event.Msg("creating playlist")

	query := url.Values{
		"Name":   {playlist.Title},
		"UserId": {uid},
		"Ids":    {strings.Join(ids, ",")},
	}
	if _, err := c.do(ctx, http.MethodPost, "/Playlists", query, nil); err != nil {
		c.logger.Error().Err(err).Str("user", userName).Str("playlist", playlist.Title).
			Msg("failed to create playlist")
	}
}

func (c *Client) addMissingPlaylistItems(ctx context.Context, userName, uid, playlistID string, target models.Playlist, dryrun bool) {
	current, err := c.playlistItems(ctx, uid, playlistID)
	if err != nil {
		c.logger.Error().Err(err).Str("user", userName).Str("playlist", target.Title).
			Msg("failed to list playlist items")
		return
	}
	currentIdentifiers := make([]models.MediaIdentifiers, 0, len(current))
	for _, dto := range current {
		currentIdentifiers = append(currentIdentifiers, c.itemIdentifiers(dto, nil))
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

	ids := c.resolveItemIDs(ctx, userName, uid, missing)
	if len(ids) == 0 {
		return
	}
	event := c.logger.Info().Str("user", userName).Str("playlist", target.Title).Int("items", len(ids))
	if dryrun {
		event.Bool("dryrun", true).Msg("adding playlist items")
		return
	}
	event.Msg("adding playlist items")

	query := url.Values{
		"UserId": {uid},
		"Ids":    {strings.Join(ids, ",")},
	}
	if _, err := c.do(ctx, http.MethodPost, "/Playlists/"+playlistID+"/Items", query, nil); err != nil {
		c.logger.Error().Err(err).Str("user", userName).Str("playlist", target.Title).
			Msg("failed to add playlist items")
	}
}

// resolveItemIDs finds server item IDs for identifier bags by title search
// followed by identifier matching.
func (c *Client) resolveItemIDs(ctx context.Context, userName, uid string, targets []models.MediaIdentifiers) []string {
	var ids []string
	for _, target := range targets {
		if target.Title == "" && !target.Usable() {
			continue
		}
		dtos, err := c.userItems(ctx, uid, url.Values{
			"Recursive":        {"true"},
			"IncludeItemTypes": {"Movie,Episode"},
			"SearchTerm":       {target.Title},
			"Fields":           {itemFields},
		})
		if err != nil {
			c.logger.Error().Err(err).Str("user", userName).Str("title", target.Title).
				Msg("item search failed")
			continue
		}
		for _, dto := range dtos {
			if models.Same(c.itemIdentifiers(dto, nil), target) {
				ids = append(ids, dto.ID)
				break
			}
		}
	}
	return ids
}

func (c *Client) DeletePlaylistByTitle(ctx context.Context, user, title string, dryrun bool) error {
	uid, ok := c.userID(user, nil)
	if !ok {
		return fmt.Errorf("user %q not found on %s", user, c.serverName)
	}
	playlists, err := c.userPlaylists(ctx, uid)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if models.NormalizeTitle(pl.Name) != models.NormalizeTitle(title) {
			continue
		}
		event := c.logger.Info().Str("user", user).Str("playlist", title)
		if dryrun {
			event.Bool("dryrun", true).Msg("deleting playlist")
			return nil
		}
		event.Msg("deleting playlist")
		_, err := c.do(ctx, http.MethodDelete, "/Items/"+pl.ID, nil, nil)
		return err
	}
	return nil
}

func (c *Client) RemoveItemFromPlaylist(ctx context.Context, user, title string, item models.MediaIdentifiers, dryrun bool) error {
	uid, ok := c.userID(user, nil)
	if !ok {
		return fmt.Errorf("user %q not found on %s", user, c.serverName)
	}
	playlists, err := c.userPlaylists(ctx, uid)
	if err != nil {
		return err
	}
	for _, pl := range playlists {
		if models.NormalizeTitle(pl.Name) != models.NormalizeTitle(title) {
			continue
		}
		entries, err := c.playlistItems(ctx, uid, pl.ID)
		if err != nil {
			return err
		}
		for _, dto := range entries {
			if !models.Same(c.itemIdentifiers(dto, nil), item) {
				continue
			}
			event := c.logger.Info().Str("user", user).Str("playlist", title).Str("title", item.Title)
			if dryrun {
				event.Bool("dryrun", true).Msg("removing playlist item")
				return nil
			}
			event.Msg("removing playlist item")
			query := url.Values{"EntryIds": {dto.PlaylistItemID}}
			_, err := c.do(ctx, http.MethodDelete, "/Playlists/"+pl.ID+"/Items", query, nil)
			return err
		}
		return nil
	}
	return nil
}
