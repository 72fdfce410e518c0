package membership

import (
	"context"

	"clubhub/cmd/internal/fallback"
)

// enqueue stores q, replacing an older entry for the same club and user.
func (m *Machine) enqueue(ctx context.Context, q QueuedRequest) error {
	return fallback.UpdateJSON(ctx, m.store, fallback.KeyPendingRequests, func(cur []QueuedRequest) ([]QueuedRequest, error) {
		out := make([]QueuedRequest, 0, len(cur)+1)
		for _, e := range cur {
			if e.ClubID == q.ClubID && e.UserID == q.UserID {
				continue
			}
			out = append(out, e)
		}
		return append(out, q), nil
	})
}

// dequeue removes the entry for club and user and reports whether one existed.
func (m *Machine) dequeue(ctx context.Context, clubID, userID string) (bool, error) {
	removed := false
	err := fallback.UpdateJSON(ctx, m.store, fallback.KeyPendingRequests, func(cur []QueuedRequest) ([]QueuedRequest, error) {
		out := make([]QueuedRequest, 0, len(cur))
		for _, e := range cur {
			if e.ClubID == clubID && e.UserID == userID {
				removed = true
				continue
			}
			out = append(out, e)
		}
		return out, nil
	})
	return removed, err
}

// rekey swaps the local request id for the server's.
func (m *Machine) rekey(ctx context.Context, clubID, userID, requestID string) error {
	return fallback.UpdateJSON(ctx, m.store, fallback.KeyPendingRequests, func(cur []QueuedRequest) ([]QueuedRequest, error) {
		for i := range cur {
			if cur[i].ClubID == clubID && cur[i].UserID == userID {
				cur[i].RequestID = requestID
			}
		}
		if cur == nil {
			cur = []QueuedRequest{}
		}
		return cur, nil
	})
}

func (m *Machine) queued(ctx context.Context, clubID, userID string) (QueuedRequest, bool) {
	var all []QueuedRequest
	if _, err := fallback.LoadJSON(ctx, m.store, fallback.KeyPendingRequests, &all); err != nil {
		m.log.Warn("membership.queue.read", "err", err)
		return QueuedRequest{}, false
	}
	for _, e := range all {
		if e.ClubID == clubID && e.UserID == userID {
			return e, true
		}
	}
	return QueuedRequest{}, false
}

// Queued returns the locally queued join requests.
func (m *Machine) Queued(ctx context.Context) ([]QueuedRequest, error) {
	var all []QueuedRequest
	if _, err := fallback.LoadJSON(ctx, m.store, fallback.KeyPendingRequests, &all); err != nil {
		return nil, err
	}
	if all == nil {
		all = []QueuedRequest{}
	}
	return all, nil
}
