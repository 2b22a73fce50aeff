package plex

import (
	"context"
	"encoding/xml"
	"net/url"
	"strings"

	"watchsync/internal/models"
)

// Plex item type codes used by section listings.
const (
	typeMovie   = "1"
	typeShow    = "2"
	typeEpisode = "4"
)

type videoContainer struct {
	XMLName     xml.Name    `xml:"MediaContainer"`
	Videos      []videoItem `xml:"Video"`
	Directories []videoItem `xml:"Directory"`
}

type videoItem struct {
	RatingKey            string `xml:"ratingKey,attr"`
	Title                string `xml:"title,attr"`
	Type                 string `xml:"type,attr"`
	GUID                 string `xml:"guid,attr"`
	ViewCount            string `xml:"viewCount,attr"`
	ViewOffset           string `xml:"viewOffset,attr"`
	LastViewedAt         string `xml:"lastViewedAt,attr"`
	GrandparentRatingKey string `xml:"grandparentRatingKey,attr"`
	GrandparentTitle     string `xml:"grandparentTitle,attr"`
	PlaylistItemID       string `xml:"playlistItemID,attr"`
	Smart                string `xml:"smart,attr"`

	Guids []struct {
		ID string `xml:"id,attr"`
	} `xml:"Guid"`
	Media []struct {
		Parts []struct {
			File string `xml:"file,attr"`
		} `xml:"Part"`
	} `xml:"Media"`
	Locations []struct {
		Path string `xml:"path,attr"`
	} `xml:"Location"`
}

func (s *Server) Watched(ctx context.Context, users []models.ServerUser, libraries map[string]models.LibraryType, prev *models.WatchedState) (map[string]models.UserData, error) {
	out := make(map[string]models.UserData, len(users))
	for _, user := range users {
		token, err := s.userToken(ctx, user.Name)
		if err != nil {
			s.logger.Error().Err(err).Str("user", user.Name).Msg("failed to resolve user token, skipping")
			continue
		}

		data := models.NewUserData()
		for libName, libType := range libraries {
			key, ok := s.libraryKeys[libName]
			if !ok {
				continue
			}
			index := models.BuildIdentifierIndex(prev, libName)
			lib, err := s.watchedLibrary(ctx, token, key, libName, libType, index)
			if err != nil {
				s.logger.Error().Err(err).Str("user", user.Name).Str("library", libName).
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

func (s *Server) watchedLibrary(ctx context.Context, token, key, libName string, libType models.LibraryType, index *models.IdentifierIndex) (models.LibraryData, error) {
	lib := models.LibraryData{Title: libName}

	if libType == models.LibraryTypeMovie {
		items, err := s.sectionItems(ctx, token, key, typeMovie)
		if err != nil {
			return lib, err
		}
		for _, item := range items {
			status, ok := watchedStatus(item)
			if !ok {
				continue
			}
			lib.Movies = append(lib.Movies, models.MediaItem{
				Identifiers: s.itemIdentifiers(item, index),
				Status:      status,
			})
		}
		return lib, nil
	}

	shows, err := s.sectionItems(ctx, token, key, typeShow)
	if err != nil {
		return lib, err
	}
	showIdentifiers := make(map[string]models.MediaIdentifiers, len(shows))
	for _, show := range shows {
		showIdentifiers[show.RatingKey] = s.itemIdentifiers(show, index)
	}

	episodes, err := s.sectionItems(ctx, token, key, typeEpisode)
	if err != nil {
		return lib, err
	}

	order := make([]string, 0)
	bySeries := make(map[string]*models.Series)
	for _, ep := range episodes {
		status, ok := watchedStatus(ep)
		if !ok {
			continue
		}
		seriesKey := ep.GrandparentRatingKey
		series, found := bySeries[seriesKey]
		if !found {
			ids, known := showIdentifiers[seriesKey]
			if !known {
				ids = models.MediaIdentifiers{Title: ep.GrandparentTitle}
			}
			series = &models.Series{Identifiers: ids}
			bySeries[seriesKey] = series
			order = append(order, seriesKey)
		}
		series.Episodes = append(series.Episodes, models.MediaItem{
			Identifiers: s.itemIdentifiers(ep, index),
			Status:      status,
		})
	}
	for _, seriesKey := range order {
		lib.Series = append(lib.Series, *bySeries[seriesKey])
	}
	return lib, nil
}

func (s *Server) sectionItems(ctx context.Context, token, key, itemType string) ([]videoItem, error) {
	var container videoContainer
	query := url.Values{
		"type":         {itemType},
		"includeGuids": {"1"},
	}
	if err := s.getXML(ctx, s.url+"/library/sections/"+key+"/all", token, query, &container); err != nil {
		return nil, err
	}
	if itemType == typeShow {
		return container.Directories, nil
	}
	return container.Videos, nil
}

// watchedStatus converts Plex view attributes; in-progress items below the
// progress threshold are dropped.
func watchedStatus(item videoItem) (models.WatchedStatus, bool) {
	status := models.WatchedStatus{
		Completed:    atoi64(item.ViewCount) > 0,
		TimeMs:       atoi64(item.ViewOffset),
		LastViewedAt: atoi64(item.LastViewedAt),
	}
	if !status.Completed && status.TimeMs < models.InProgressThresholdMs {
		return models.WatchedStatus{}, false
	}
	return status, true
}

// itemIdentifiers builds the identifier bag for one item, preferring
// identifiers persisted on an earlier cycle.
func (s *Server) itemIdentifiers(item videoItem, index *models.IdentifierIndex) models.MediaIdentifiers {
	fresh := s.extractIdentifiers(item)
	if index != nil {
		if cached, ok := index.Lookup(fresh.Locations, item.GUID); ok {
			cached.SyncedToServers = nil
			if cached.Title == "" {
				cached.Title = item.Title
			}
			return cached
		}
	}
	return fresh
}

// extractIdentifiers mirrors the agent GUID conventions: Guid child elements
// carry the canonical plex:// GUID and external database IDs, while the guid
// attribute covers legacy and custom agents.
func (s *Server) extractIdentifiers(item videoItem) models.MediaIdentifiers {
	ids := models.MediaIdentifiers{Title: item.Title}

	if s.generateGUIDs {
		plexGUIDFound := false
		for _, guid := range item.Guids {
			scheme, value, ok := splitGUID(guid.ID)
			if !ok {
				continue
			}
			switch {
			case scheme == "plex":
				ids.NativeGUID = guid.ID
				plexGUIDFound = true
			case scheme == "imdb" && ids.IMDBID == "":
				ids.IMDBID = value
			case strings.Contains(scheme, "thetvdb") && ids.TVDBID == "":
				ids.TVDBID = value
			case strings.Contains(scheme, "themoviedb") && ids.TMDBID == "":
				ids.TMDBID = value
			}
		}

		if !plexGUIDFound && item.GUID != "" {
			scheme, value, ok := splitGUID(item.GUID)
			if ok {
				switch {
				case scheme == "plex":
					ids.NativeGUID = item.GUID
				case strings.Contains(scheme, "imdb") && ids.IMDBID == "":
					ids.IMDBID = value
				case strings.Contains(scheme, "thetvdb") && ids.TVDBID == "":
					ids.TVDBID = value
				case strings.Contains(scheme, "themoviedb") && ids.TMDBID == "":
					ids.TMDBID = value
				case scheme == "local":
					// unmatched items carry a local:// GUID, useless for matching
				default:
					// custom agent, keep the full GUID so suffix matching works
					ids.NativeGUID = item.GUID
				}
			}
		}
	}

	if s.generateLocations {
		seen := make(map[string]struct{})
		add := func(path string) {
			if path == "" {
				return
			}
			base := models.Basename(path)
			if _, ok := seen[base]; ok {
				return
			}
			seen[base] = struct{}{}
			ids.Locations = append(ids.Locations, base)
		}
		for _, media := range item.Media {
			for _, part := range media.Parts {
				add(part.File)
			}
		}
		for _, loc := range item.Locations {
			add(loc.Path)
		}
	}

	return ids
}

// splitGUID splits "scheme://value", trimming query parameters from the value.
func splitGUID(guid string) (scheme, value string, ok bool) {
	parts := strings.SplitN(guid, "://", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	value = parts[1]
	if i := strings.Index(value, "?"); i >= 0 {
		value = value[:i]
	}
	return parts[0], value, true
}
