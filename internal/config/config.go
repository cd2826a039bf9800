// Package config provides configuration types for the DataGate gateway.
//
// DataGate is a policy-enforcing front end for a remote master-data hub
// (MDH). Configuration is file-based (YAML) with environment overrides;
// everything needed to run the request-processing plane is defined here:
// OAuth resource-server settings, MDH credentials, the security stack
// (rate limits, threat thresholds), audit output, and feature toggles.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the DataGate gateway.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// OAuth configures bearer-token validation.
	OAuth OAuthConfig `yaml:"oauth" mapstructure:"oauth"`

	// MDH configures the remote master-data hub connection.
	MDH MDHConfig `yaml:"mdh" mapstructure:"mdh"`

	// Security configures the rate limiter and threat analysis stack.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// LLM configures the advisory model used by the semantic analyzer
	// and the agent pipeline. Optional: when the API key is empty, all
	// stages fall back to rule-based behavior.
	LLM LLMConfig `yaml:"llm" mapstructure:"llm"`

	// Audit configures the append-only audit sink.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Revocation configures clients allowed to call /oauth/revoke.
	Revocation RevocationConfig `yaml:"revocation" mapstructure:"revocation"`

	// Policies defines optional CEL access rules evaluated on tools/call.
	// When empty, tool access is governed by scopes alone.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// Features toggles optional pipeline stages.
	Features FeatureConfig `yaml:"features" mapstructure:"features"`

	// DevMode enables development defaults (verbose logging, permissive grant table).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// OAuthConfig configures the OAuth 2.1 resource server.
// Either IntrospectionURL (remote validation) or JWTSecret (local signature
// verification) must be set; when both are set, introspection wins.
type OAuthConfig struct {
	// IntrospectionURL is the RFC 7662 token introspection endpoint.
	IntrospectionURL string `yaml:"introspection_url" mapstructure:"introspection_url" validate:"omitempty,url"`

	// Issuer is the expected "iss" claim.
	Issuer string `yaml:"issuer" mapstructure:"issuer" validate:"required"`

	// Audience is the expected "aud" claim.
	Audience string `yaml:"audience" mapstructure:"audience" validate:"required"`

	// JWTSecret is the shared secret for local HMAC signature verification.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`

	// Algorithm is the expected JWT signing algorithm (default "HS256").
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"omitempty,oneof=HS256 HS384 HS512"`

	// IntrospectionTimeout bounds the introspection call (e.g., "5s").
	IntrospectionTimeout string `yaml:"introspection_timeout" mapstructure:"introspection_timeout" validate:"omitempty"`
}

// MDHConfig configures the master-data hub adapter.
type MDHConfig struct {
	// BaseURL is the MDH endpoint base (e.g., "https://hub.example.com").
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`

	// AccountID identifies the MDH tenant account.
	AccountID string `yaml:"account_id" mapstructure:"account_id" validate:"required"`

	// Username and Password authenticate catalog calls.
	Username string `yaml:"username" mapstructure:"username" validate:"required"`
	Password string `yaml:"password" mapstructure:"password" validate:"required"`

	// DatahubUsername and DatahubPassword optionally authenticate record
	// queries with distinct credentials. Fall back to Username/Password.
	DatahubUsername string `yaml:"datahub_username" mapstructure:"datahub_username"`
	DatahubPassword string `yaml:"datahub_password" mapstructure:"datahub_password"`

	// QueryTimeout bounds a single record query (e.g., "30s").
	QueryTimeout string `yaml:"query_timeout" mapstructure:"query_timeout" validate:"omitempty"`
}

// SecurityConfig configures the security gateway layers.
type SecurityConfig struct {
	// RateLimits maps endpoint patterns to window limits.
	// Match order: exact, trailing-wildcard prefix, substring, "default".
	RateLimits map[string]RateLimitRule `yaml:"rate_limits" mapstructure:"rate_limits"`

	// Whitelist lists client identifiers that bypass rate limits.
	Whitelist []string `yaml:"whitelist" mapstructure:"whitelist"`

	// WhitelistBypassEndpoints lists endpoints where the whitelist is
	// ignored (used by self-test endpoints to verify limiting works).
	WhitelistBypassEndpoints []string `yaml:"whitelist_bypass_endpoints" mapstructure:"whitelist_bypass_endpoints"`

	// RuleConfidenceThreshold is the rule-scorer confidence above which
	// the LLM advisory is skipped (default 0.7).
	RuleConfidenceThreshold float64 `yaml:"rule_confidence_threshold" mapstructure:"rule_confidence_threshold" validate:"omitempty,min=0,max=1"`

	// LLMBoostThreshold is the confidence below which clearly-benign
	// queries skip the advisory (default 0.2).
	LLMBoostThreshold float64 `yaml:"llm_boost_threshold" mapstructure:"llm_boost_threshold" validate:"omitempty,min=0,max=1"`

	// LLMCacheTTLSeconds is the TTL for cached advisory verdicts (default 3600).
	LLMCacheTTLSeconds int `yaml:"llm_cache_ttl_seconds" mapstructure:"llm_cache_ttl_seconds" validate:"omitempty,min=1"`

	// LLMCacheMaxEntries bounds the advisory verdict cache (default 1000).
	LLMCacheMaxEntries int `yaml:"llm_cache_max_entries" mapstructure:"llm_cache_max_entries" validate:"omitempty,min=1"`

	// Clients maps token subjects to their role and permissions.
	// Unknown subjects map to role "unknown" with no permissions.
	Clients map[string]ClientGrant `yaml:"clients" mapstructure:"clients" validate:"omitempty,dive"`
}

// RateLimitRule carries the four independent window limits for one endpoint.
type RateLimitRule struct {
	// Burst is the limit for the 10-second window.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`
	// Minute is the per-minute limit.
	Minute int `yaml:"minute" mapstructure:"minute" validate:"omitempty,min=1"`
	// Hour is the per-hour limit.
	Hour int `yaml:"hour" mapstructure:"hour" validate:"omitempty,min=1"`
	// Day is the per-day limit.
	Day int `yaml:"day" mapstructure:"day" validate:"omitempty,min=1"`
}

// ClientGrant maps an authenticated subject to a role and permission set.
type ClientGrant struct {
	// Role is one of: executive, manager, clerk, service, unknown.
	Role string `yaml:"role" mapstructure:"role" validate:"required,oneof=executive manager clerk service unknown"`
	// Permissions lists granted scopes (read:all, write:all, read:<domain>, none).
	Permissions []string `yaml:"permissions" mapstructure:"permissions" validate:"required,min=1"`
}

// LLMConfig configures the advisory LLM client.
type LLMConfig struct {
	// APIKey authenticates against the model provider. Empty disables
	// the advisory path entirely (rule-based fallbacks run instead).
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	// Model names the advisory model.
	Model string `yaml:"model" mapstructure:"model"`
	// Timeout bounds a single advisory call (e.g., "10s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// AuditConfig configures audit log output.
type AuditConfig struct {
	// Directory is where daily audit files are written.
	Directory string `yaml:"directory" mapstructure:"directory" validate:"required"`

	// RetentionDays is the number of days to keep audit files. Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// ChannelSize is the buffer size for the audit channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events to batch before writing. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending events (e.g., "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
}

// RevocationConfig configures token revocation client authentication.
type RevocationConfig struct {
	// Clients maps client_id to an argon2id (or sha256:) hash of the
	// client secret. Generate hashes with: datagate hash-secret
	Clients map[string]string `yaml:"clients" mapstructure:"clients"`

	// MaxRecords caps the revocation store; oldest entries are evicted
	// beyond this. Defaults to 10000.
	MaxRecords int `yaml:"max_records" mapstructure:"max_records" validate:"omitempty,min=1"`
}

// PolicyConfig defines a CEL access rule evaluated on tools/call.
// Rules are evaluated in order; first match wins.
type PolicyConfig struct {
	// Name is a human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Condition is a CEL expression over tool.name, user.role, user.permissions.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`

	// Action is "allow" or "deny".
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// FeatureConfig toggles optional pipeline stages.
type FeatureConfig struct {
	// ProactiveInsights enables the generate_insights node.
	ProactiveInsights bool `yaml:"proactive_insights" mapstructure:"proactive_insights"`
	// FollowUpSuggestions enables the suggest_follow_ups node.
	FollowUpSuggestions bool `yaml:"follow_up_suggestions" mapstructure:"follow_up_suggestions"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.OAuth.Issuer == "" {
		c.OAuth.Issuer = "https://auth.datagate.local"
	}
	if c.OAuth.Audience == "" {
		c.OAuth.Audience = "datagate"
	}
	if c.OAuth.JWTSecret == "" && c.OAuth.IntrospectionURL == "" {
		c.OAuth.JWTSecret = "dev-secret-do-not-use-in-production"
	}

	if c.MDH.BaseURL == "" {
		c.MDH.BaseURL = "http://localhost:9090"
	}
	if c.MDH.AccountID == "" {
		c.MDH.AccountID = "dev-account"
	}
	if c.MDH.Username == "" {
		c.MDH.Username = "dev"
	}
	if c.MDH.Password == "" {
		c.MDH.Password = "dev"
	}

	// A permissive dev grant table so any configured subject can query.
	if len(c.Security.Clients) == 0 {
		c.Security.Clients = map[string]ClientGrant{
			"dev-user": {Role: "executive", Permissions: []string{"read:all"}},
		}
	}

	if c.Audit.Directory == "" {
		c.Audit.Directory = "./audit"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// OAuth defaults
	if c.OAuth.Algorithm == "" {
		c.OAuth.Algorithm = "HS256"
	}
	if c.OAuth.IntrospectionTimeout == "" {
		c.OAuth.IntrospectionTimeout = "5s"
	}

	// MDH defaults
	if c.MDH.QueryTimeout == "" {
		c.MDH.QueryTimeout = "30s"
	}
	if c.MDH.DatahubUsername == "" {
		c.MDH.DatahubUsername = c.MDH.Username
	}
	if c.MDH.DatahubPassword == "" {
		c.MDH.DatahubPassword = c.MDH.Password
	}

	// Security defaults
	if c.Security.RuleConfidenceThreshold == 0 {
		c.Security.RuleConfidenceThreshold = 0.7
	}
	if c.Security.LLMBoostThreshold == 0 {
		c.Security.LLMBoostThreshold = 0.2
	}
	if c.Security.LLMCacheTTLSeconds == 0 {
		c.Security.LLMCacheTTLSeconds = 3600
	}
	if c.Security.LLMCacheMaxEntries == 0 {
		c.Security.LLMCacheMaxEntries = 1000
	}
	if c.Security.RateLimits == nil {
		c.Security.RateLimits = map[string]RateLimitRule{}
	}
	if _, ok := c.Security.RateLimits["default"]; !ok {
		c.Security.RateLimits["default"] = RateLimitRule{
			Burst: 10, Minute: 60, Hour: 1000, Day: 10000,
		}
	}

	// LLM defaults
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-5"
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "10s"
	}

	// Audit defaults
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}

	// Revocation defaults
	if c.Revocation.MaxRecords == 0 {
		c.Revocation.MaxRecords = 10000
	}

	// Feature defaults: insights on unless explicitly disabled.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("features.proactive_insights") {
		c.Features.ProactiveInsights = true
	}
	if !viper.IsSet("features.follow_up_suggestions") {
		c.Features.FollowUpSuggestions = true
	}
}
