package models

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Same reports whether two identifier bags describe the same logical media
// item. Rules, in order: shared external database ID, native GUID (literal or
// suffix form), intersecting location basenames. Title is never sufficient.
//
// The relation is symmetric but not transitive; callers must only ever compare
// pairwise and never fuse three items through a common middle.
func Same(a, b MediaIdentifiers) bool {
	if guidMatch(a, b) {
		return true
	}
	if len(a.Locations) > 0 && len(b.Locations) > 0 {
		seen := make(map[string]struct{}, len(a.Locations))
		for _, loc := range a.Locations {
			seen[Basename(loc)] = struct{}{}
		}
		for _, loc := range b.Locations {
			if _, ok := seen[Basename(loc)]; ok {
				return true
			}
		}
	}
	return false
}

// SameItems is Same lifted to watched items.
func SameItems(a, b MediaItem) bool {
	return Same(a.Identifiers, b.Identifiers)
}

func guidMatch(a, b MediaIdentifiers) bool {
	if a.IMDBID != "" && b.IMDBID != "" && a.IMDBID == b.IMDBID {
		return true
	}
	if a.TVDBID != "" && b.TVDBID != "" && a.TVDBID == b.TVDBID {
		return true
	}
	if a.TMDBID != "" && b.TMDBID != "" && a.TMDBID == b.TMDBID {
		return true
	}
	if a.NativeGUID != "" && b.NativeGUID != "" {
		if a.NativeGUID == b.NativeGUID {
			return true
		}
		// Suffix form covers scheme drift between servers and agent versions,
		// e.g. "plex://movie/x" vs "com.custom.agent://x".
		if GUIDSuffix(a.NativeGUID) == GUIDSuffix(b.NativeGUID) {
			return true
		}
	}
	return false
}

// Basename returns the last path segment of a location, treating both "/" and
// "\" as separators. Comparison of locations is always by basename.
func Basename(location string) string {
	norm := strings.ReplaceAll(location, "\\", "/")
	if i := strings.LastIndex(norm, "/"); i >= 0 {
		return norm[i+1:]
	}
	return norm
}

// GUIDSuffix returns the substring after the last "://", or the full string
// when no scheme is present.
func GUIDSuffix(guid string) string {
	if i := strings.LastIndex(guid, "://"); i >= 0 {
		return guid[i+3:]
	}
	return guid
}

// NormalizeTitle puts a title into NFC form. Servers disagree on whether
// accented characters arrive precomposed or decomposed, and playlist titles
// are matched by string equality.
func NormalizeTitle(title string) string {
	return norm.NFC.String(title)
}

// MergeIdentifiers enriches dst with identifiers from src: absent external IDs
// are filled in and the location set becomes the union of both. Existing
// values on dst are never overwritten, so the identifier set only grows.
func MergeIdentifiers(dst *MediaIdentifiers, src MediaIdentifiers) {
	if dst.IMDBID == "" {
		dst.IMDBID = src.IMDBID
	}
	if dst.TVDBID == "" {
		dst.TVDBID = src.TVDBID
	}
	if dst.TMDBID == "" {
		dst.TMDBID = src.TMDBID
	}
	if dst.NativeGUID == "" {
		dst.NativeGUID = src.NativeGUID
	}
	if len(src.Locations) > 0 {
		seen := make(map[string]struct{}, len(dst.Locations))
		for _, loc := range dst.Locations {
			seen[loc] = struct{}{}
		}
		for _, loc := range src.Locations {
			if _, ok := seen[loc]; !ok {
				dst.Locations = append(dst.Locations, loc)
			}
		}
	}
}

// StatusInSync reports whether two statuses are effectively identical:
// completed flags equal and, when not completed, progress within the
// in-progress threshold.
func StatusInSync(a, b WatchedStatus) bool {
	if a.Completed != b.Completed {
		return false
	}
	if a.Completed {
		return true
	}
	return absDiff(a.TimeMs, b.TimeMs) < InProgressThresholdMs
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
