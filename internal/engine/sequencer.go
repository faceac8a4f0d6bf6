package engine

import (
	"sort"
	"strconv"
	"time"

	"deskbridge/api/internal/desk"
	"deskbridge/api/internal/provider"
)

type itemKind int

const (
	itemDeskConversation itemKind = iota
	itemProviderUpdate
	itemProviderFile
)

// sequenceItem is one pending mirror operation.
type sequenceItem struct {
	kind itemKind
	at   time.Time
	// id is the item's foreign id, used to break creation-time ties so
	// the mirror order is deterministic across passes.
	id string

	conv   desk.Conversation
	update provider.Update
	file   provider.File
}

// sequence merges the three pending sets into one slice ordered by
// creation time ascending. Ties are broken by foreign id, numerically
// when both ids are numeric; both vendors issue monotonically increasing
// ids, so this preserves each side's own ordering within a second.
func sequence(convs []desk.Conversation, updates []provider.Update, files []provider.File) []sequenceItem {
	items := make([]sequenceItem, 0, len(convs)+len(updates)+len(files))
	for _, c := range convs {
		items = append(items, sequenceItem{kind: itemDeskConversation, at: c.CreatedAt, id: c.ID, conv: c})
	}
	for _, u := range updates {
		items = append(items, sequenceItem{kind: itemProviderUpdate, at: u.CreatedAt, id: u.ID, update: u})
	}
	for _, f := range files {
		items = append(items, sequenceItem{kind: itemProviderFile, at: f.CreatedAt, id: strconv.FormatInt(f.ID, 10), file: f})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].at.Equal(items[j].at) {
			return items[i].at.Before(items[j].at)
		}
		return idLess(items[i].id, items[j].id)
	})
	return items
}

func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
