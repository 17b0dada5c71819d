package transport

import "github.com/jguan/mcpcheck/pkg/protocol"

const defaultInboxLimit = 64

// inbox correlates responses with the requests still awaiting one. Only ids
// registered with expect are admitted; a response for any other id, or a
// second response for an id already held, is dropped, so a reply is
// consumed at most once. When full, the oldest entry is evicted.
type inbox struct {
	limit       int
	outstanding map[protocol.ID]struct{}
	order       []protocol.ID
	msgs        map[protocol.ID]protocol.Message
}

func newInbox(limit int) *inbox {
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	return &inbox{
		limit:       limit,
		outstanding: make(map[protocol.ID]struct{}),
		msgs:        make(map[protocol.ID]protocol.Message),
	}
}

// expect registers id as sent and not yet answered.
func (b *inbox) expect(id protocol.ID) {
	if !id.IsZero() {
		b.outstanding[id] = struct{}{}
	}
}

// forget stops waiting for id and drops anything held for it.
func (b *inbox) forget(id protocol.ID) {
	delete(b.outstanding, id)
	b.remove(id)
}

// put stores m and reports whether it was kept.
func (b *inbox) put(m protocol.Message) bool {
	if m.ID.IsZero() {
		return false
	}
	if _, ok := b.outstanding[m.ID]; !ok {
		return false
	}
	if _, dup := b.msgs[m.ID]; dup {
		return false
	}
	if len(b.order) >= b.limit {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.msgs, oldest)
	}
	b.order = append(b.order, m.ID)
	b.msgs[m.ID] = m
	return true
}

// take hands over the response for id. A taken id is no longer outstanding.
func (b *inbox) take(id protocol.ID) (protocol.Message, bool) {
	m, ok := b.msgs[id]
	if !ok {
		return protocol.Message{}, false
	}
	delete(b.outstanding, id)
	b.remove(id)
	return m, true
}

func (b *inbox) remove(id protocol.ID) {
	if _, ok := b.msgs[id]; !ok {
		return
	}
	delete(b.msgs, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *inbox) len() int { return len(b.msgs) }

// clear drops everything held and everything awaited.
func (b *inbox) clear() {
	b.order = nil
	b.msgs = make(map[protocol.ID]protocol.Message)
	b.outstanding = make(map[protocol.ID]struct{})
}
