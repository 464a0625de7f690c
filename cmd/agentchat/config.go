package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/handlers"
	"github.com/MegaGrindStone/agentchat/internal/services"
	"github.com/MegaGrindStone/agentchat/internal/timeline"
	"gopkg.in/yaml.v3"
)

const (
	storeMemory = "memory"
	storeFile   = "file"

	tokenEnv = "AGENTCHAT_TOKEN"
)

var (
	defaultReportAgent    = "report_composer_with_citations"
	defaultResearchAgents = []string{"section_researcher", "enhanced_search_executor"}
)

type backendConfig interface {
	kind() services.BackendKind
	endpoint() string
	setEndpoint(url string)
	validate() error
	connect(ctx context.Context, logger *slog.Logger) (handlers.SessionGateway, services.Router, error)
}

type config struct {
	Backend      backendConfig
	UserID       string
	Store        string
	PollInterval time.Duration
	PendingTTL   time.Duration
	Agents       agentsConfig
	LogLevel     string
}

type agentsConfig struct {
	Report   string   `yaml:"report"`
	Research []string `yaml:"research"`
}

type directConfig struct {
	Kind    string `yaml:"kind"`
	URL     string `yaml:"url"`
	AppName string `yaml:"appName"`
}

type managedConfig struct {
	Kind  string `yaml:"kind"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type configIdentity string

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Backend      map[string]any `yaml:"backend"`
		UserID       string         `yaml:"userId"`
		Store        string         `yaml:"store"`
		PollInterval time.Duration  `yaml:"pollInterval"`
		PendingTTL   time.Duration  `yaml:"pendingTTL"`
		Agents       agentsConfig   `yaml:"agents"`
		LogLevel     string         `yaml:"logLevel"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.UserID = rawConfig.UserID
	c.Store = rawConfig.Store
	c.PollInterval = rawConfig.PollInterval
	c.PendingTTL = rawConfig.PendingTTL
	c.Agents = rawConfig.Agents
	c.LogLevel = rawConfig.LogLevel

	if rawConfig.Backend == nil {
		return nil
	}

	var kind services.BackendKind
	switch k := rawConfig.Backend["kind"].(type) {
	case string:
		parsed, err := services.ParseBackendKind(k)
		if err != nil {
			return err
		}
		kind = parsed
	case nil:
		u, _ := rawConfig.Backend["url"].(string)
		if u == "" {
			return fmt.Errorf("backend url is required")
		}
		resolved, err := services.ResolveBackendKind(u)
		if err != nil {
			return err
		}
		kind = resolved
	default:
		return fmt.Errorf("backend kind must be a string, got %T", k)
	}

	backendRawYAML, err := yaml.Marshal(rawConfig.Backend)
	if err != nil {
		return err
	}

	backend := newBackendConfig(kind)
	if err := yaml.Unmarshal(backendRawYAML, backend); err != nil {
		return err
	}

	c.Backend = backend
	return nil
}

func newBackendConfig(kind services.BackendKind) backendConfig {
	if kind == services.BackendManaged {
		return &managedConfig{}
	}
	return &directConfig{}
}

// applyOverrides applies command line values on top of the file. A backend url picks the kind from the url
// when there is no configured backend, or when the url clearly belongs to the other protocol.
func (c *config) applyOverrides(userID, url string) error {
	if userID != "" {
		c.UserID = userID
	}
	if url == "" {
		return nil
	}
	kind, err := services.ResolveBackendKind(url)
	switch {
	case c.Backend == nil && err != nil:
		return err
	case c.Backend == nil:
		c.Backend = newBackendConfig(kind)
	case err == nil && kind != c.Backend.kind():
		// The address wins over the file; settings of the other protocol do not carry over.
		c.Backend = newBackendConfig(kind)
	}
	c.Backend.setEndpoint(url)
	return nil
}

// setDefaults fills everything the file may omit.
func (c *config) setDefaults() {
	if c.Store == "" {
		c.Store = storeFile
	}
	if c.PollInterval == 0 && c.Backend != nil {
		c.PollInterval = c.Backend.kind().PollInterval()
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = timeline.DefaultPendingTTL
	}
	if c.Agents.Report == "" {
		c.Agents.Report = defaultReportAgent
	}
	if c.Agents.Research == nil {
		c.Agents.Research = defaultResearchAgents
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c config) validate() error {
	if c.Backend == nil {
		return errors.New("backend is required")
	}
	if err := c.Backend.validate(); err != nil {
		return err
	}
	if c.UserID == "" {
		return errors.New("userId is required")
	}
	if c.Store != storeMemory && c.Store != storeFile {
		return fmt.Errorf("unknown store: %s", c.Store)
	}
	if c.PollInterval < 0 || c.PendingTTL < 0 {
		return errors.New("pollInterval and pendingTTL must not be negative")
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	return nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel: %w", err)
	}
	return level, nil
}

func (c config) sourcePolicy() timeline.SourcePolicy {
	return timeline.SourcePolicy{
		ReportAgent:    c.Agents.Report,
		ResearchAgents: c.Agents.Research,
	}
}

func (d directConfig) kind() services.BackendKind {
	return services.BackendDirect
}

func (d directConfig) endpoint() string {
	return d.URL
}

func (d *directConfig) setEndpoint(url string) {
	d.URL = url
}

func (d directConfig) validate() error {
	if d.URL == "" {
		return errors.New("backend url is required")
	}
	if d.AppName == "" {
		return errors.New("backend appName is required for the direct backend")
	}
	return nil
}

func (d directConfig) connect(_ context.Context, logger *slog.Logger) (handlers.SessionGateway, services.Router, error) {
	router, err := services.NewRouter(services.RouterConfig{
		Kind:    services.BackendDirect,
		BaseURL: d.URL,
		AppName: d.AppName,
	}, logger)
	if err != nil {
		return nil, services.Router{}, err
	}
	return services.NewDirectGateway(d.URL, d.AppName, nil, logger), router, nil
}

func (m managedConfig) kind() services.BackendKind {
	return services.BackendManaged
}

func (m managedConfig) endpoint() string {
	return m.URL
}

func (m *managedConfig) setEndpoint(url string) {
	m.URL = url
}

func (m managedConfig) validate() error {
	if m.URL == "" {
		return errors.New("backend url is required")
	}
	if !strings.HasSuffix(m.URL, ":query") {
		return fmt.Errorf("managed backend url must be the :query endpoint, got %s", m.URL)
	}
	return nil
}

func (m managedConfig) connect(ctx context.Context, logger *slog.Logger) (handlers.SessionGateway, services.Router, error) {
	token := m.Token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	tokens, err := services.NewTokenSource(ctx, token)
	if err != nil {
		return nil, services.Router{}, err
	}

	router, err := services.NewRouter(services.RouterConfig{
		Kind:    services.BackendManaged,
		BaseURL: m.URL,
		Tokens:  tokens,
	}, logger)
	if err != nil {
		return nil, services.Router{}, err
	}
	return services.NewManagedGateway(m.URL, tokens, nil, logger), router, nil
}

func (c configIdentity) UserID(context.Context) (string, error) {
	return string(c), nil
}
