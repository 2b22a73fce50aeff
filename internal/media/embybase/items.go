package embybase

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"watchsync/internal/models"
)

const ticksPerMs = 10_000

const itemFields = "ProviderIds,Path,MediaSources"

type itemDTO struct {
	ID           string            `json:"Id"`
	Name         string            `json:"Name"`
	Type         string            `json:"Type"`
	Path         string            `json:"Path"`
	ProviderIds  map[string]string `json:"ProviderIds"`
	MediaSources []struct {
		Path string `json:"Path"`
	} `json:"MediaSources"`
	UserData *struct {
		Played                bool   `json:"Played"`
		PlaybackPositionTicks int64  `json:"PlaybackPositionTicks"`
		LastPlayedDate        string `json:"LastPlayedDate"`
	} `json:"UserData"`
	SeriesID       string `json:"SeriesId"`
	SeriesName     string `json:"SeriesName"`
	PlaylistItemID string `json:"PlaylistItemId"`
}

type itemsPage struct {
	Items []itemDTO `json:"Items"`
}

func (c *Client) Watched(ctx context.Context, users []models.ServerUser, libraries map[string]models.LibraryType, prev *models.WatchedState) (map[string]models.UserData, error) {
	out := make(map[string]models.UserData, len(users))
	for _, user := range users {
		uid, ok := c.userIDs[strings.ToLower(user.Name)]
		if !ok {
			c.logger.Warn().Str("user", user.Name).Msg("user not known to server, skipping")
			continue
		}

		data := models.NewUserData()
		for libName, libType := range libraries {
			libID, ok := c.libraryIDs[libName]
			if !ok {
				continue
			}
			index := models.BuildIdentifierIndex(prev, libName)
			lib, err := c.watchedLibrary(ctx, uid, libID, libName, libType, index)
			if err != nil {
				c.logger.Error().Err(err).Str("user", user.Name).Str("library", libName).
					Msg("failed to fetch watched state for library")
				continue
			}
			if !lib.Empty() {
				data.Libraries[libName] = lib
			}
		}
		out[user.Name] = data
	}
	return out, nil
}

func (c *Client) watchedLibrary(ctx context.Context, uid, libID, libName string, libType models.LibraryType, index *models.IdentifierIndex) (models.LibraryData, error) {
	lib := models.LibraryData{Title: libName}

	itemType := "Movie"
	if libType == models.LibraryTypeShow {
		itemType = "Episode"
	}

	played, err := c.userItems(ctx, uid, url.Values{
		"ParentId":         {libID},
		"Recursive":        {"true"},
		"IncludeItemTypes": {itemType},
		"Filters":          {"IsPlayed"},
		"Fields":           {itemFields},
	})
	if err != nil {
		return lib, err
	}
	resumable, err := c.userItems(ctx, uid, url.Values{
		"ParentId":         {libID},
		"Recursive":        {"true"},
		"IncludeItemTypes": {itemType},
		"Filters":          {"IsResumable"},
		"Fields":           {itemFields},
	})
	if err != nil {
		return lib, err
	}

	var items []models.MediaItem
	var dtos []itemDTO
	seen := make(map[string]struct{})
	for _, dto := range append(played, resumable...) {
		// An item can show up in both queries while being rewatched.
		if _, dup := seen[dto.ID]; dup {
			continue
		}
		seen[dto.ID] = struct{}{}
		status, ok := c.watchedStatus(dto)
		if !ok {
			continue
		}
		items = append(items, models.MediaItem{
			Identifiers: c.itemIdentifiers(dto, index),
			Status:      status,
		})
		dtos = append(dtos, dto)
	}

	if libType == models.LibraryTypeMovie {
		lib.Movies = items
		return lib, nil
	}
	return c.groupEpisodes(ctx, uid, libID, lib, items, dtos, index)
}

// groupEpisodes folds a flat episode list into per-series buckets, resolving
// series identifiers from the server so shows can be matched across servers
// independently of their episodes.
func (c *Client) groupEpisodes(ctx context.Context, uid, libID string, lib models.LibraryData, items []models.MediaItem, dtos []itemDTO, index *models.IdentifierIndex) (models.LibraryData, error) {
	seriesDTOs, err := c.userItems(ctx, uid, url.Values{
		"ParentId":         {libID},
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Series"},
		"Fields":           {itemFields},
	})
	if err != nil {
		return lib, err
	}
	seriesIdentifiers := make(map[string]models.MediaIdentifiers, len(seriesDTOs))
	for _, dto := range seriesDTOs {
		seriesIdentifiers[dto.ID] = c.itemIdentifiers(dto, index)
	}

	order := make([]string, 0)
	bySeries := make(map[string]*models.Series)
	for i, item := range items {
		dto := dtos[i]
		key := dto.SeriesID
		series, ok := bySeries[key]
		if !ok {
			ids, found := seriesIdentifiers[key]
			if !found {
				ids = models.MediaIdentifiers{Title: dto.SeriesName}
			}
			series = &models.Series{Identifiers: ids}
			bySeries[key] = series
			order = append(order, key)
		}
		series.Episodes = append(series.Episodes, item)
	}
	for _, key := range order {
		lib.Series = append(lib.Series, *bySeries[key])
	}
	return lib, nil
}

func (c *Client) userItems(ctx context.Context, uid string, query url.Values) ([]itemDTO, error) {
	var page itemsPage
	if err := c.getJSON(ctx, "/Users/"+uid+"/Items", query, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// watchedStatus converts server playback state; in-progress items below the
// progress threshold are dropped.
func (c *Client) watchedStatus(dto itemDTO) (models.WatchedStatus, bool) {
	if dto.UserData == nil {
		return models.WatchedStatus{}, false
	}
	status := models.WatchedStatus{
		Completed: dto.UserData.Played,
		TimeMs:    dto.UserData.PlaybackPositionTicks / ticksPerMs,
	}
	if dto.UserData.LastPlayedDate != "" {
		if t, err := time.Parse(time.RFC3339Nano, dto.UserData.LastPlayedDate); err == nil {
			status.LastViewedAt = t.Unix()
		}
	}
	if !status.Completed && status.TimeMs < models.InProgressThresholdMs {
		return models.WatchedStatus{}, false
	}
	return status, true
}

// itemIdentifiers builds the identifier bag for one item, preferring
// identifiers already persisted on an earlier cycle.
func (c *Client) itemIdentifiers(dto itemDTO, index *models.IdentifierIndex) models.MediaIdentifiers {
	locations := c.locations(dto)
	nativeGUID := ""
	if c.generateGUIDs {
		nativeGUID = fmt.Sprintf("%s://%s", c.serverType, dto.ID)
	}
	if index != nil {
		if cached, ok := index.Lookup(locations, nativeGUID); ok {
			cached.SyncedToServers = nil
			if cached.Title == "" {
				cached.Title = dto.Name
			}
			return cached
		}
	}

	ids := models.MediaIdentifiers{
		Title:      dto.Name,
		Locations:  locations,
		NativeGUID: nativeGUID,
	}
	if c.generateGUIDs {
		for key, value := range dto.ProviderIds {
			switch strings.ToLower(key) {
			case "imdb":
				ids.IMDBID = value
			case "tvdb":
				ids.TVDBID = value
			case "tmdb":
				ids.TMDBID = value
			}
		}
	}
	return ids
}

// locations returns basenames only; full paths differ per server and are
// useless for matching.
func (c *Client) locations(dto itemDTO) []string {
	if !c.generateLocations {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(path string) {
		if path == "" {
			return
		}
		base := models.Basename(path)
		if _, ok := seen[base]; ok {
			return
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	add(dto.Path)
	for _, src := range dto.MediaSources {
		add(src.Path)
	}
	return out
}
