package timeline

import (
	"time"

	"github.com/MegaGrindStone/agentchat/internal/models"
)

// DefaultPendingTTL is how long a pending message may wait for its server twin before it is marked failed.
const DefaultPendingTTL = 2 * time.Minute

type twinKey struct {
	role    models.Role
	content string
}

// Merge reconciles the currently displayed messages with a fresh server snapshot. The result is the server
// messages followed by every locally owned message that has no server message with the same role and content.
// Server messages that repeat an id already emitted are skipped, as are local messages whose id collides with
// a server message.
func Merge(displayed, server []models.Message) []models.Message {
	twins := make(map[twinKey]struct{}, len(server))
	ids := make(map[string]struct{}, len(server))

	merged := make([]models.Message, 0, len(server)+len(displayed))
	for _, m := range server {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		twins[twinKey{role: m.Role, content: m.Content}] = struct{}{}
		merged = append(merged, m)
	}

	for _, m := range displayed {
		if !m.Local() {
			continue
		}
		if _, ok := twins[twinKey{role: m.Role, content: m.Content}]; ok {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	return merged
}

// ExpirePending marks pending messages created more than ttl before now as failed. Failed messages keep their
// place in the timeline and are still removed once a server twin shows up. The input slice is not modified.
func ExpirePending(msgs []models.Message, now time.Time, ttl time.Duration) []models.Message {
	if ttl <= 0 {
		return msgs
	}

	out := msgs
	copied := false
	for i, m := range msgs {
		if !m.Pending() || m.CreatedAt.IsZero() || now.Sub(m.CreatedAt) < ttl {
			continue
		}
		if !copied {
			out = make([]models.Message, len(msgs))
			copy(out, msgs)
			copied = true
		}
		out[i].Status = models.StatusFailed
	}
	return out
}
