package reconciler

import (
	"sort"
	"time"

	"chatsync/internal/entity"
)

// view is the reconciled state of one conversation as seen by one user.
// Snapshots from the durable log are authoritative; bus messages only fill
// the gap until the next snapshot carries them.
type view struct {
	localUser string
	primed    bool

	seen        map[string]struct{}
	messages    []entity.Message
	provisional map[string]entity.Message
	drafts      map[string]pendingDraft
	draftOrder  []string
}

type pendingDraft struct {
	draft   entity.MessageDraft
	addedAt time.Time
}

func newView(localUser string) *view {
	return &view{
		localUser:   localUser,
		seen:        make(map[string]struct{}),
		provisional: make(map[string]entity.Message),
		drafts:      make(map[string]pendingDraft),
	}
}

// normalize drops malformed entries and repeated ids, then orders by
// (timestamp, id).
func normalize(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))
	ids := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if m.Malformed() {
			continue
		}
		if _, dup := ids[m.Id]; dup {
			continue
		}
		ids[m.Id] = struct{}{}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// applySnapshot replaces the authoritative list and returns the messages
// that should raise an inbound notification. The first snapshot only
// primes the seen set.
func (v *view) applySnapshot(messages []entity.Message) []entity.Message {
	list := normalize(messages)

	var inbound []entity.Message
	for _, m := range list {
		delete(v.provisional, m.Id)
		if m.ClientId != "" {
			v.dropDraft(m.ClientId)
		}
		if _, ok := v.seen[m.Id]; ok {
			continue
		}
		v.seen[m.Id] = struct{}{}
		if v.primed && m.SenderId != v.localUser {
			inbound = append(inbound, m)
		}
	}

	v.messages = list
	v.primed = true
	return inbound
}

// applyRealtime merges a confirmed message seen on the bus. It reports
// whether the view changed and whether the message is a new inbound one.
func (v *view) applyRealtime(m entity.Message) (changed bool, inbound bool) {
	if !v.primed || m.Malformed() {
		return false, false
	}
	if m.ClientId != "" {
		v.dropDraft(m.ClientId)
	}
	if _, ok := v.seen[m.Id]; ok {
		return false, false
	}
	v.seen[m.Id] = struct{}{}
	v.provisional[m.Id] = m
	return true, m.SenderId != v.localUser
}

func (v *view) addDraft(d entity.MessageDraft, now time.Time) bool {
	if d.ClientId == "" || v.confirmed(d.ClientId) {
		return false
	}
	if _, ok := v.drafts[d.ClientId]; !ok {
		v.draftOrder = append(v.draftOrder, d.ClientId)
	}
	v.drafts[d.ClientId] = pendingDraft{draft: d, addedAt: now}
	return true
}

// expireDrafts drops drafts added before cutoff. A draft that old was never
// confirmed, so its send failed somewhere we did not hear about.
func (v *view) expireDrafts(cutoff time.Time) bool {
	var expired []string
	for _, id := range v.draftOrder {
		if !v.drafts[id].addedAt.After(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		v.dropDraft(id)
	}
	return len(expired) > 0
}

// nextDraftExpiry returns when the oldest draft lapses.
func (v *view) nextDraftExpiry(ttl time.Duration) (time.Time, bool) {
	if len(v.draftOrder) == 0 {
		return time.Time{}, false
	}
	return v.drafts[v.draftOrder[0]].addedAt.Add(ttl), true
}

func (v *view) dropDraft(clientId string) bool {
	if _, ok := v.drafts[clientId]; !ok {
		return false
	}
	delete(v.drafts, clientId)
	for i, id := range v.draftOrder {
		if id == clientId {
			v.draftOrder = append(v.draftOrder[:i], v.draftOrder[i+1:]...)
			break
		}
	}
	return true
}

func (v *view) confirmed(clientId string) bool {
	for _, m := range v.messages {
		if m.ClientId == clientId {
			return true
		}
	}
	for _, m := range v.provisional {
		if m.ClientId == clientId {
			return true
		}
	}
	return false
}

// list returns the authoritative messages plus provisional ones, ordered.
func (v *view) list() []entity.Message {
	out := make([]entity.Message, 0, len(v.messages)+len(v.provisional))
	out = append(out, v.messages...)
	for _, m := range v.provisional {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (v *view) pending() []entity.MessageDraft {
	out := make([]entity.MessageDraft, 0, len(v.draftOrder))
	for _, id := range v.draftOrder {
		out = append(out, v.drafts[id].draft)
	}
	return out
}
