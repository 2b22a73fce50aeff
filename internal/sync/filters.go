package sync

import (
	"strings"

	"watchsync/internal/models"
)

// FilterUsers applies the allow/deny lists to server users. An empty allow
// list admits everyone not denied. Comparison is case-insensitive; mapping
// counterparts are expected to already be expanded into the lists.
func FilterUsers(users []models.ServerUser, whitelist, blacklist []string) []models.ServerUser {
	out := make([]models.ServerUser, 0, len(users))
	for _, user := range users {
		if len(whitelist) > 0 && !containsFold(whitelist, user.Name) {
			continue
		}
		if containsFold(blacklist, user.Name) {
			continue
		}
		out = append(out, user)
	}
	return out
}

// FilterLibraries applies the name and type allow/deny lists to server
// libraries.
func FilterLibraries(libraries map[string]models.LibraryType, whitelist, blacklist, whitelistType, blacklistType []string) map[string]models.LibraryType {
	out := make(map[string]models.LibraryType, len(libraries))
	for name, typ := range libraries {
		if len(whitelist) > 0 && !containsFold(whitelist, name) {
			continue
		}
		if containsFold(blacklist, name) {
			continue
		}
		if len(whitelistType) > 0 && !containsFold(whitelistType, string(typ)) {
			continue
		}
		if containsFold(blacklistType, string(typ)) {
			continue
		}
		out[name] = typ
	}
	return out
}

func containsFold(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
