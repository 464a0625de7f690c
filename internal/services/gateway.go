package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/models"
)

// HealthTimeout bounds every health check. A runtime that does not answer within it is considered down.
const HealthTimeout = 5 * time.Second

const errLoggerKey = "err"

const (
	stateSourcesKey      = "sources"
	stateURLToShortIDKey = "url_to_short_id"
)

// flexString accepts a JSON string or number. Runtimes are not consistent about error codes.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func defaultClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{}
	}
	return client
}

// withEvents sorts the session events into canonical order and extracts the sources recorded in its state.
func withEvents(session models.Session, logger *slog.Logger) *models.SessionWithEvents {
	events := slices.Clone(session.Events)
	slices.SortStableFunc(events, func(a, b models.Event) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	session.Events = events

	return &models.SessionWithEvents{
		Session:      session,
		Sources:      extractSources(session.State, logger),
		URLToShortID: extractURLToShortID(session.State, logger),
	}
}

// extractSources reads state.sources entry by entry. Entries that do not have the source shape are logged and
// dropped; they never abort the extraction.
func extractSources(state map[string]any, logger *slog.Logger) map[string]models.Source {
	raw, ok := state[stateSourcesKey].(map[string]any)
	if !ok {
		return map[string]models.Source{}
	}

	sources := make(map[string]models.Source, len(raw))
	for key, v := range raw {
		src, err := parseSource(v)
		if err != nil {
			logger.Warn("Dropping invalid source",
				slog.String("key", key),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		sources[key] = src
	}
	return sources
}

func parseSource(v any) (models.Source, error) {
	entry, ok := v.(map[string]any)
	if !ok {
		return models.Source{}, fmt.Errorf("source is %T, not an object", v)
	}

	var src models.Source
	fields := []struct {
		name string
		dst  *string
	}{
		{"id", &src.ID},
		{"url", &src.URL},
		{"title", &src.Title},
		{"domain", &src.Domain},
	}
	for _, f := range fields {
		s, ok := entry[f.name].(string)
		if !ok {
			return models.Source{}, fmt.Errorf("field %q is missing or not a string", f.name)
		}
		*f.dst = s
	}

	claims, ok := entry["supportedClaims"].([]any)
	if !ok {
		return models.Source{}, fmt.Errorf("field %q is missing or not a list", "supportedClaims")
	}
	src.SupportedClaims = make([]string, 0, len(claims))
	for i, c := range claims {
		s, ok := c.(string)
		if !ok {
			return models.Source{}, fmt.Errorf("supportedClaims[%d] is not a string", i)
		}
		src.SupportedClaims = append(src.SupportedClaims, s)
	}
	return src, nil
}

func extractURLToShortID(state map[string]any, logger *slog.Logger) map[string]string {
	raw, ok := state[stateURLToShortIDKey].(map[string]any)
	if !ok {
		return map[string]string{}
	}

	ids := make(map[string]string, len(raw))
	for u, v := range raw {
		id, ok := v.(string)
		if !ok {
			logger.Warn("Dropping invalid short id",
				slog.String("url", u),
				slog.String("type", fmt.Sprintf("%T", v)))
			continue
		}
		ids[u] = id
	}
	return ids
}

func healthContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, HealthTimeout)
}
