package sync

import "watchsync/internal/models"

// mergeItem folds a server-observed item into the target list, resolving
// conflicts when the item is already present. Resolution order: an item whose
// completed flag contradicts its own ledger reflects a deliberate user action
// and wins; otherwise the larger last-viewed timestamp wins; then completed
// beats incomplete; then larger progress wins; otherwise the existing entry is
// kept. Whichever side survives is enriched with the other side's identifiers.
func mergeItem(target []models.MediaItem, source models.MediaItem) []models.MediaItem {
	for i := range target {
		if !models.SameItems(target[i], source) {
			continue
		}

		if replaceExisting(target[i], source) {
			models.MergeIdentifiers(&source.Identifiers, target[i].Identifiers)
			target[i] = source
		} else {
			models.MergeIdentifiers(&target[i].Identifiers, source.Identifiers)
		}
		return target
	}
	return append(target, source)
}

func replaceExisting(existing, incoming models.MediaItem) bool {
	incomingChanged := incoming.HasRecentChange()
	existingChanged := existing.HasRecentChange()
	if incomingChanged != existingChanged {
		return incomingChanged
	}

	if incoming.Status.LastViewedAt > existing.Status.LastViewedAt {
		return true
	}
	if incoming.Status.LastViewedAt < existing.Status.LastViewedAt {
		return false
	}

	if !existing.Status.Completed && incoming.Status.Completed {
		return true
	}
	if !existing.Status.Completed && !incoming.Status.Completed {
		return incoming.Status.TimeMs > existing.Status.TimeMs
	}
	return false
}
