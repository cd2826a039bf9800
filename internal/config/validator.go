package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages if validation fails.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Exactly one token validation mechanism must be available.
	if c.OAuth.IntrospectionURL == "" && c.OAuth.JWTSecret == "" {
		return errors.New("oauth: either introspection_url or jwt_secret must be set")
	}

	// Duration fields must parse.
	for _, d := range []struct {
		field, value string
	}{
		{"oauth.introspection_timeout", c.OAuth.IntrospectionTimeout},
		{"mdh.query_timeout", c.MDH.QueryTimeout},
		{"llm.timeout", c.LLM.Timeout},
		{"audit.flush_interval", c.Audit.FlushInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.field, d.value)
		}
	}

	// Revocation client hashes must carry a recognized prefix.
	for clientID, hash := range c.Revocation.Clients {
		if !strings.HasPrefix(hash, "$argon2id$") && !strings.HasPrefix(hash, "sha256:") {
			return fmt.Errorf("revocation.clients[%s]: hash must start with $argon2id$ or sha256:", clientID)
		}
	}

	return nil
}

// formatValidationErrors converts validator errors into readable messages.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Convert "Config.OAuth.Issuer" into "oauth.issuer" style paths.
		path := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", path))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", path))
		case "hostname_port":
			msgs = append(msgs, fmt.Sprintf("%s must be host:port", path))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", path, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", path, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
