package changelist

// PartialTracker subdivides one file's modifications across several lists.
// It is owned by the caller that registers it; the snapshot only informs it
// of list lifecycle events it does not control.
type PartialTracker interface {
	// InitChangeTracking is called on registration. fileListID is the list
	// the whole-file change sat in before, or "" when that was the default.
	InitChangeTracking(defaultID string, listIDs []string, fileListID string)
	AffectedListIDs() []string
	DefaultListChanged(oldID, newID string)
	ListsRemoved(ids []string)
	MoveChanges(fromID, toID string)
	MoveChangesTo(toID string)
}
