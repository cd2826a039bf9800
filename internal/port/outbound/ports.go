// Package outbound defines the driven-side ports: contracts the service
// layer depends on and outbound adapters implement.
package outbound

import (
	"context"
	"time"

	"github.com/datagate-io/datagate/internal/domain/mdh"
)

// IntrospectionResult is the authorization server's view of a token.
type IntrospectionResult struct {
	Active    bool
	Subject   string
	ClientID  string
	Scopes    []string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIntrospector validates bearer tokens against an RFC 7662
// introspection endpoint.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (IntrospectionResult, error)
}

// ModelStatusFilter narrows catalog listings by publication status.
type ModelStatusFilter string

const (
	ModelsAll       ModelStatusFilter = "all"
	ModelsPublished ModelStatusFilter = "published"
	ModelsDraft     ModelStatusFilter = "draft"
)

// MDHClient talks to the remote master-data hub. Implementations map
// transport failures onto the fault taxonomy: MDH_UNAUTHORIZED,
// MDH_TIMEOUT, MDH_PARSE_ERROR, MDH_UPSTREAM_ERROR.
type MDHClient interface {
	// ListModels returns the catalog, optionally narrowed by status.
	ListModels(ctx context.Context, filter ModelStatusFilter) ([]*mdh.ModelDescriptor, error)

	// GetModel returns one model by id.
	GetModel(ctx context.Context, id string) (*mdh.ModelDescriptor, error)

	// QueryRecords executes a record query. The query must already be
	// normalized and validated against its model.
	QueryRecords(ctx context.Context, q *mdh.RecordQuery) (*mdh.RecordSet, error)

	// TestConnection verifies hub reachability and credentials.
	TestConnection(ctx context.Context) error
}

// LLMClient is a text-completion client used by the semantic analyzer
// and the agent pipeline.
type LLMClient interface {
	// Complete sends a system and user prompt and returns the model's
	// text response.
	Complete(ctx context.Context, system, user string) (string, error)
}
