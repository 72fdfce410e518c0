package pipeline

import (
	"context"
	"encoding/json"

	"clubhub/cmd/internal/fallback"
)

// defaultMembership is the status reported when the server cannot answer.
var defaultMembership = json.RawMessage(`{"isMember":false,"isPending":false,"role":null}`)

// fallback synthesises the success payload for a safe or dashboard endpoint.
func (c *Client) fallback(ctx context.Context, ep Endpoint, status int) Outcome {
	out := Outcome{Success: true, Status: status, Synthesized: true}
	switch ep {
	case EndpointMembershipCheck:
		out.Data = ObjectPayload(defaultMembership)
	case EndpointNotifications:
		out.Data = c.cachedNotifications(ctx)
	default:
		out.Data = EmptyList()
	}
	return out
}

func (c *Client) cachedNotifications(ctx context.Context) Payload {
	raw, err := c.store.Get(ctx, fallback.KeyNotifications)
	if err != nil {
		return EmptyList()
	}
	return ListPayload(raw)
}
