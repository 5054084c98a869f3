package mesh

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meshroom/internal/protocol"
)

// readinessQuery is one outstanding QueryReadiness round.
type readinessQuery struct {
	id       string
	expected []string            // host plus every connected guest, sorted
	waiting  map[string]struct{} // guests yet to reply
	result   chan bool
	done     bool
}

// QueryReadiness asks every connected guest for the members it is linked to
// and reports whether each one sees exactly the host's member set, meaning
// the mesh is complete.
//
// The answer is false when any reply differs, a guest does not reply within
// the query timeout, membership changes while the query runs, or a guest is
// still bootstrapping when it starts. Only one query may run at a time; a
// second call gets ErrQueryInProgress.
//
// QueryReadiness blocks and must not be called from a Handler or lifecycle
// callback.
func (h *HostPeer) QueryReadiness(ctx context.Context) (bool, error) {
	var (
		q   *readinessQuery
		err error
	)
	if !h.loop.call(func() { q, err = h.startQuery() }) {
		return false, ErrClosed
	}
	if err != nil {
		return false, err
	}

	timer := time.NewTimer(h.queryTimeout)
	defer timer.Stop()

	select {
	case ok := <-q.result:
		return ok, nil
	case <-timer.C:
		h.loop.post(func() { h.finishQuery(q, false, "timed out") })
		return false, nil
	case <-ctx.Done():
		h.loop.post(func() { h.finishQuery(q, false, "cancelled") })
		return false, ctx.Err()
	case <-h.Done():
		return false, ErrClosed
	}
}

func (h *HostPeer) startQuery() (*readinessQuery, error) {
	if h.query != nil {
		return nil, ErrQueryInProgress
	}

	guests := h.ConnectedPeerNames()
	q := &readinessQuery{
		id:       uuid.NewString(),
		expected: append(slices.Clone(guests), h.name),
		waiting:  make(map[string]struct{}, len(guests)),
		result:   make(chan bool, 1),
	}
	slices.Sort(q.expected)
	h.query = q
	h.log.Debugf("readiness query %s, expecting %v", q.id, q.expected)

	if h.hasPending() {
		h.finishQuery(q, false, "a guest is still bootstrapping")
		return q, nil
	}

	for _, name := range guests {
		q.waiting[name] = struct{}{}
	}
	for _, name := range guests {
		ok := h.sendRoom(name, &protocol.RoomMessage{
			Type:    protocol.TypeQuery,
			From:    h.name,
			QueryID: q.id,
		})
		if !ok {
			h.finishQuery(q, false, "could not reach "+name)
			return q, nil
		}
	}
	if len(q.waiting) == 0 {
		h.finishQuery(q, true, "no guests")
	}
	return q, nil
}

func (h *HostPeer) queryReply(from string, msg *protocol.RoomMessage) {
	q := h.query
	if q == nil || msg.QueryID != q.id {
		h.log.Debugf("dropping stale readiness reply from %s", from)
		return
	}
	if _, ok := q.waiting[from]; !ok {
		h.log.Debugf("dropping unexpected readiness reply from %s", from)
		return
	}

	if !sameMembers(msg.Members, q.expected) {
		h.finishQuery(q, false, from+" is not linked to every member")
		h.log.Infof("%s reports %v, expected %v", from, msg.Members, q.expected)
		return
	}
	delete(q.waiting, from)
	if len(q.waiting) == 0 {
		h.finishQuery(q, true, "all guests agree")
	}
}

// failQuery resolves an outstanding query as not ready.
func (h *HostPeer) failQuery(reason string) {
	if h.query != nil {
		h.finishQuery(h.query, false, reason)
	}
}

func (h *HostPeer) finishQuery(q *readinessQuery, ready bool, reason string) {
	if q.done {
		return
	}
	q.done = true
	q.result <- ready
	if h.query == q {
		h.query = nil
	}
	h.log.Debugf("readiness query %s: %t (%s)", q.id, ready, reason)
}

// sameMembers reports whether two member lists hold the same names.
func sameMembers(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	a, b := slices.Clone(got), slices.Clone(want)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
