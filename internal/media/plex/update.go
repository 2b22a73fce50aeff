package plex

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"watchsync/internal/models"
)

const libraryIdentifier = "com.plexapp.plugins.library"

type serverItem struct {
	ratingKey  string
	ids        models.MediaIdentifiers
	watched    bool
	viewOffset int64
}

func (s *Server) UpdateWatched(ctx context.Context, additions, removals map[string]models.UserData, userMapping, libraryMapping map[string]string, dryrun bool) error {
	userNames := make(map[string]struct{}, len(additions)+len(removals))
	for name := range additions {
		userNames[name] = struct{}{}
	}
	for name := range removals {
		userNames[name] = struct{}{}
	}

	for name := range userNames {
		token, err := s.resolveUserToken(ctx, name, userMapping)
		if err != nil {
			s.logger.Warn().Err(err).Str("user", name).Msg("user not found on server, skipping updates")
			continue
		}
		s.updateUserWatched(ctx, name, token, additions[name], removals[name], libraryMapping, dryrun)
	}
	return nil
}

func (s *Server) resolveUserToken(ctx context.Context, name string, userMapping map[string]string) (string, error) {
	token, err := s.userToken(ctx, name)
	if err == nil {
		return token, nil
	}
	if mapped := models.MapName(userMapping, name); mapped != "" {
		return s.userToken(ctx, mapped)
	}
	return "", err
}

func (s *Server) sectionKey(name string, libraryMapping map[string]string) (string, bool) {
	if key, ok := s.libraryKeys[name]; ok {
		return key, true
	}
	for known, key := range s.libraryKeys {
		if strings.EqualFold(known, name) {
			return key, true
		}
	}
	if mapped := models.MapName(libraryMapping, name); mapped != "" {
		for known, key := range s.libraryKeys {
			if strings.EqualFold(known, mapped) {
				return key, true
			}
		}
	}
	return "", false
}

func (s *Server) updateUserWatched(ctx context.Context, userName, token string, additions, removals models.UserData, libraryMapping map[string]string, dryrun bool) {
	libraryNames := make(map[string]struct{})
	for lib := range additions.Libraries {
		libraryNames[lib] = struct{}{}
	}
	for lib := range removals.Libraries {
		libraryNames[lib] = struct{}{}
	}

	for libName := range libraryNames {
		key, ok := s.sectionKey(libName, libraryMapping)
		if !ok {
			s.logger.Debug().Str("library", libName).Msg("library not present on server, skipping")
			continue
		}

		add := additions.Libraries[libName]
		remove := removals.Libraries[libName]
		if add.Empty() && remove.Empty() {
			continue
		}

		inventory, err := s.libraryInventory(ctx, token, key)
		if err != nil {
			s.logger.Error().Err(err).Str("user", userName).Str("library", libName).
				Msg("failed to enumerate library for update")
			continue
		}

		for _, movie := range add.Movies {
			s.applyStatus(ctx, userName, token, inventory, movie, dryrun)
		}
		for _, series := range add.Series {
			for _, ep := range series.Episodes {
				s.applyStatus(ctx, userName, token, inventory, ep, dryrun)
			}
		}
		for _, movie := range remove.Movies {
			s.clearStatus(ctx, userName, token, inventory, movie, dryrun)
		}
		for _, series := range remove.Series {
			for _, ep := range series.Episodes {
				s.clearStatus(ctx, userName, token, inventory, ep, dryrun)
			}
		}
	}
}

func (s *Server) libraryInventory(ctx context.Context, token, key string) ([]serverItem, error) {
	var items []serverItem
	for _, itemType := range []string{typeMovie, typeEpisode} {
		dtos, err := s.sectionItems(ctx, token, key, itemType)
		if err != nil {
			return nil, err
		}
		for _, dto := range dtos {
			items = append(items, serverItem{
				ratingKey:  dto.RatingKey,
				ids:        s.extractIdentifiers(dto),
				watched:    atoi64(dto.ViewCount) > 0,
				viewOffset: atoi64(dto.ViewOffset),
			})
		}
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

func (s *Server) applyStatus(ctx context.Context, userName, token string, inventory []serverItem, target models.MediaItem, dryrun bool) {
	if !target.Identifiers.Usable() {
		s.logger.Debug().Str("user", userName).Str("title", target.Identifiers.Title).
			Msg("skipping item with no identifiable GUID")
		return
	}
	item, ok := findServerItem(inventory, target.Identifiers)
	if !ok {
		s.logger.Debug().Str("user", userName).Str("title", target.Identifiers.Title).
			Msg("item to update not found on server")
		return
	}

	switch {
	case target.Status.Completed:
		if item.watched {
			return
		}
		s.logEvent(userName, target.Identifiers.Title, dryrun, "marking watched")
		if dryrun {
			return
		}
		if err := s.scrobble(ctx, token, "/:/scrobble", item.ratingKey); err != nil {
			s.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
				Msg("failed to mark watched")
		}
	default:
		// A watched server copy must be unmarked first, otherwise progress
		// alone leaves the item flagged as watched.
		if item.watched {
			s.logEvent(userName, target.Identifiers.Title, dryrun, "marking unwatched")
			if !dryrun {
				if err := s.scrobble(ctx, token, "/:/unscrobble", item.ratingKey); err != nil {
					s.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
						Msg("failed to mark unwatched")
				}
			}
		}
		// Only push progress when it moves the needle by at least the
		// in-progress threshold.
		if absDiff(item.viewOffset, target.Status.TimeMs) < models.InProgressThresholdMs {
			return
		}
		s.logEvent(userName, target.Identifiers.Title, dryrun, "setting playback progress")
		if dryrun {
			return
		}
		query := url.Values{
			"key":        {item.ratingKey},
			"identifier": {libraryIdentifier},
			"time":       {strconv.FormatInt(target.Status.TimeMs, 10)},
			"state":      {"stopped"},
		}
		if _, err := s.do(ctx, http.MethodGet, s.url+"/:/progress", token, query); err != nil {
			s.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
				Msg("failed to set playback progress")
		}
	}
}

func (s *Server) clearStatus(ctx context.Context, userName, token string, inventory []serverItem, target models.MediaItem, dryrun bool) {
	item, ok := findServerItem(inventory, target.Identifiers)
	if !ok || !item.watched {
		return
	}
	s.logEvent(userName, target.Identifiers.Title, dryrun, "marking unwatched")
	if dryrun {
		return
	}
	if err := s.scrobble(ctx, token, "/:/unscrobble", item.ratingKey); err != nil {
		s.logger.Error().Err(err).Str("user", userName).Str("title", target.Identifiers.Title).
			Msg("failed to mark unwatched")
	}
}

func (s *Server) scrobble(ctx context.Context, token, path, ratingKey string) error {
	query := url.Values{
		"key":        {ratingKey},
		"identifier": {libraryIdentifier},
	}
	_, err := s.do(ctx, http.MethodGet, s.url+path, token, query)
	return err
}

func (s *Server) logEvent(userName, title string, dryrun bool, msg string) {
	event := s.logger.Info().Str("user", userName).Str("title", title)
	if dryrun {
		event.Bool("dryrun", true)
	}
	event.Msg(msg)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
