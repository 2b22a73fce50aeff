package models

// IdentifierIndex resolves items freshly enumerated from a server against
// identifiers already stored in the global state, so GUIDs and locations
// gathered on earlier cycles survive even when a server stops reporting them.
// Lookup order: location basename, native GUID literal, native GUID suffix.
type IdentifierIndex struct {
	byBasename map[string]MediaIdentifiers
	byGUID     map[string]MediaIdentifiers
	bySuffix   map[string]MediaIdentifiers
}

// BuildIdentifierIndex indexes every stored item of the named library across
// all users. An empty library name indexes everything.
func BuildIdentifierIndex(prev *WatchedState, library string) *IdentifierIndex {
	ix := &IdentifierIndex{
		byBasename: make(map[string]MediaIdentifiers),
		byGUID:     make(map[string]MediaIdentifiers),
		bySuffix:   make(map[string]MediaIdentifiers),
	}
	if prev == nil {
		return ix
	}
	for _, userData := range prev.Users {
		for libName, lib := range userData.Libraries {
			if library != "" && libName != library {
				continue
			}
			for _, movie := range lib.Movies {
				ix.add(movie.Identifiers)
			}
			for _, series := range lib.Series {
				ix.add(series.Identifiers)
				for _, ep := range series.Episodes {
					ix.add(ep.Identifiers)
				}
			}
		}
	}
	return ix
}

func (ix *IdentifierIndex) add(ids MediaIdentifiers) {
	for _, loc := range ids.Locations {
		base := Basename(loc)
		if _, ok := ix.byBasename[base]; !ok {
			ix.byBasename[base] = ids
		}
	}
	if ids.NativeGUID != "" {
		if _, ok := ix.byGUID[ids.NativeGUID]; !ok {
			ix.byGUID[ids.NativeGUID] = ids
		}
		suffix := GUIDSuffix(ids.NativeGUID)
		if _, ok := ix.bySuffix[suffix]; !ok {
			ix.bySuffix[suffix] = ids
		}
	}
}

// Lookup returns the stored identifiers for an item described by its fresh
// locations and native GUID, if any were persisted on an earlier cycle.
func (ix *IdentifierIndex) Lookup(locations []string, nativeGUID string) (MediaIdentifiers, bool) {
	for _, loc := range locations {
		if ids, ok := ix.byBasename[Basename(loc)]; ok {
			return ids, true
		}
	}
	if nativeGUID != "" {
		if ids, ok := ix.byGUID[nativeGUID]; ok {
			return ids, true
		}
		if ids, ok := ix.bySuffix[GUIDSuffix(nativeGUID)]; ok {
			return ids, true
		}
	}
	return MediaIdentifiers{}, false
}
