// Package timeline derives the rendered conversation from session events and reconciles it with messages that
// were submitted locally but are not yet visible on the server.
package timeline

import (
	"slices"
	"sort"

	"github.com/MegaGrindStone/agentchat/internal/models"
)

// DefaultAgent is the author shown for events without an author.
const DefaultAgent = "agent"

// SourcePolicy decides which agents get sources attached to their messages. The backend does not record
// which agent produced which source, so the policy is a coarse per-agent allowlist: listed agents receive the
// full current source set, every other agent receives none.
type SourcePolicy struct {
	ReportAgent    string
	ResearchAgents []string
}

func (p SourcePolicy) attaches(agent string) bool {
	if p.ReportAgent != "" && agent == p.ReportAgent {
		return true
	}
	return slices.Contains(p.ResearchAgents, agent)
}

// Translate converts events into messages ordered by timestamp. Events without text are dropped. Events sharing
// a timestamp keep their relative input order.
func Translate(events []models.Event, sources map[string]models.Source, policy SourcePolicy) []models.Message {
	sourceList := sortedSources(sources)

	msgs := make([]models.Message, 0, len(events))
	stamps := make([]float64, 0, len(events))
	for _, ev := range events {
		text := ev.Content.Text()
		if text == "" {
			continue
		}

		agent := ev.Author
		if agent == "" {
			agent = DefaultAgent
		}

		msg := models.Message{
			ID:        ev.ID,
			Role:      roleOf(ev),
			Content:   text,
			Agent:     agent,
			Timestamp: models.EventTime(ev.Timestamp),
		}
		if len(sourceList) > 0 && policy.attaches(agent) {
			msg.Sources = slices.Clone(sourceList)
		}

		msgs = append(msgs, msg)
		stamps = append(stamps, ev.Timestamp)
	}

	sort.Stable(byStamp{msgs: msgs, stamps: stamps})
	return msgs
}

func roleOf(ev models.Event) models.Role {
	if ev.Content.Kind == models.ContentStructured && ev.Content.Role != "" {
		if ev.Content.Role == string(models.RoleUser) {
			return models.RoleUser
		}
		return models.RoleModel
	}
	if ev.Author == string(models.RoleUser) {
		return models.RoleUser
	}
	return models.RoleModel
}

func sortedSources(sources map[string]models.Source) []models.Source {
	if len(sources) == 0 {
		return nil
	}
	list := make([]models.Source, 0, len(sources))
	for _, s := range sources {
		list = append(list, s)
	}
	slices.SortFunc(list, func(a, b models.Source) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return list
}

// byStamp sorts messages by the raw event timestamps that produced them.
type byStamp struct {
	msgs   []models.Message
	stamps []float64
}

func (b byStamp) Len() int           { return len(b.msgs) }
func (b byStamp) Less(i, j int) bool { return b.stamps[i] < b.stamps[j] }
func (b byStamp) Swap(i, j int) {
	b.msgs[i], b.msgs[j] = b.msgs[j], b.msgs[i]
	b.stamps[i], b.stamps[j] = b.stamps[j], b.stamps[i]
}
