package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/agent"
	"github.com/datagate-io/datagate/internal/domain/auth"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/workflow"
)

// Node names of the query workflow.
const (
	nodeValidateToken    = "validate_bearer_token"
	nodeCheckAuthz       = "check_user_authorization"
	nodeSecurityAnalysis = "comprehensive_security_analysis"
	nodeAnalyzeQuery     = "analyze_query"
	nodeDiscoverModels   = "discover_models"
	nodeMapFields        = "map_fields"
	nodeBuildQuery       = "build_query"
	nodeExecuteQuery     = "execute_query"
	nodeGenerateResponse = "generate_response"
	nodeGenerateInsights = "generate_insights"
	nodeSuggestFollowUps = "suggest_follow_ups"
)

// Orchestrator compiles the query workflow once and runs it per request.
// Blocking verdicts route to response generation for a graceful refusal;
// hard stage faults stop the graph and still produce an error response.
type Orchestrator struct {
	graph    *workflow.Graph
	security *SecurityService
	pipeline *Pipeline
	mgr      *agent.StateManager
	features config.FeatureConfig
	logger   *slog.Logger

	// retry overrides, zero means the workflow defaults.
	retryInitial time.Duration
	retryMax     time.Duration
	retryTries   uint
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the orchestrator logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithWorkflowRetryPolicy overrides retry timing, used in tests.
func WithWorkflowRetryPolicy(initial, max time.Duration, tries uint) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retryInitial, o.retryMax, o.retryTries = initial, max, tries
	}
}

// NewOrchestrator builds the workflow graph.
func NewOrchestrator(security *SecurityService, pipeline *Pipeline, mgr *agent.StateManager, features config.FeatureConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		security: security,
		pipeline: pipeline,
		mgr:      mgr,
		features: features,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.graph = o.buildGraph()
	return o
}

func (o *Orchestrator) buildGraph() *workflow.Graph {
	gopts := []workflow.Option{
		workflow.WithStateManager(o.mgr),
		workflow.WithLogger(o.logger),
	}
	if o.retryTries > 0 {
		gopts = append(gopts, workflow.WithRetryPolicy(o.retryInitial, o.retryMax, o.retryTries))
	}
	g := workflow.New(gopts...)

	g.AddNode(nodeValidateToken, o.validateToken)
	g.AddNode(nodeCheckAuthz, o.checkAuthorization)
	g.AddNode(nodeSecurityAnalysis, o.security.Screen)
	g.AddNode(nodeAnalyzeQuery, o.pipeline.AnalyzeQuery)
	g.AddNode(nodeDiscoverModels, o.pipeline.DiscoverModels)
	g.AddNode(nodeMapFields, o.pipeline.MapFields)
	g.AddNode(nodeBuildQuery, o.pipeline.BuildQuery)
	g.AddNode(nodeExecuteQuery, o.pipeline.RetrieveData, workflow.Retryable())
	g.AddNode(nodeGenerateResponse, o.pipeline.GenerateResponse)
	g.AddNode(nodeGenerateInsights, o.pipeline.GenerateInsights)
	g.AddNode(nodeSuggestFollowUps, o.pipeline.SuggestFollowUps)

	g.SetStart(nodeValidateToken)
	g.AddEdge(nodeValidateToken, nodeCheckAuthz)

	// A blocked state short-circuits to response generation: the user
	// gets a refusal, never a hang or a bare error.
	blockedOr := func(next string) workflow.EdgeFunc {
		return func(s *agent.State) string {
			if s.Blocked() {
				return nodeGenerateResponse
			}
			return next
		}
	}

	g.AddConditionalEdge(nodeCheckAuthz, blockedOr(nodeSecurityAnalysis))
	g.AddConditionalEdge(nodeSecurityAnalysis, blockedOr(nodeAnalyzeQuery))
	g.AddConditionalEdge(nodeAnalyzeQuery, func(s *agent.State) string {
		if s.Blocked() || s.Intent == agent.IntentUnknown {
			return nodeGenerateResponse
		}
		return nodeDiscoverModels
	})
	g.AddConditionalEdge(nodeDiscoverModels, func(s *agent.State) string {
		if s.Blocked() || s.Intent == agent.IntentMeta {
			return nodeGenerateResponse
		}
		return nodeMapFields
	})
	g.AddConditionalEdge(nodeMapFields, blockedOr(nodeBuildQuery))
	g.AddConditionalEdge(nodeBuildQuery, blockedOr(nodeExecuteQuery))
	g.AddEdge(nodeExecuteQuery, nodeGenerateResponse)

	g.AddConditionalEdge(nodeGenerateResponse, func(s *agent.State) string {
		if s.Blocked() || s.Err != nil {
			return workflow.End
		}
		if o.features.ProactiveInsights {
			return nodeGenerateInsights
		}
		if o.features.FollowUpSuggestions {
			return nodeSuggestFollowUps
		}
		return workflow.End
	})
	g.AddConditionalEdge(nodeGenerateInsights, func(s *agent.State) string {
		if o.features.FollowUpSuggestions {
			return nodeSuggestFollowUps
		}
		return workflow.End
	})
	g.AddEdge(nodeSuggestFollowUps, workflow.End)

	return g
}

// validateToken verifies the run carries a live principal. The HTTP
// layer resolves the bearer token before the workflow starts; this node
// re-checks expiry so a token cannot outlive its claims mid-flight.
func (o *Orchestrator) validateToken(_ context.Context, s *agent.State) error {
	if s.Principal == nil {
		return fault.New(fault.AuthMissing, "no authenticated principal").
			WithGuidance("Send the token in an Authorization: Bearer header.")
	}
	if !s.Principal.ExpiresAt.IsZero() && time.Now().After(s.Principal.ExpiresAt) {
		return fault.New(fault.AuthInvalid, "token expired during processing")
	}
	return nil
}

// checkAuthorization gates data access on the principal's grants. A
// denial blocks the run rather than erroring, so the user still gets a
// worded refusal.
func (o *Orchestrator) checkAuthorization(_ context.Context, s *agent.State) error {
	if s.Principal.IsBlockedFromData() {
		s.Block("no data access scope")
		s.Err = fault.New(fault.AuthInsufficientScope,
			"your account has no data access").
			WithGuidance("Ask an administrator for a read scope.")
		return nil
	}
	if err := s.Advance(agent.ClearanceLayer1); err != nil {
		return fault.Wrap(fault.Internal, "clearance bookkeeping", err)
	}
	return nil
}

// HandleQuery runs one conversational query end to end. The returned
// state always carries a Response, even when the run failed.
func (o *Orchestrator) HandleQuery(ctx context.Context, req QueryRequest) *agent.State {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	s := agent.NewState(requestID, req.ConversationID, req.Query, req.Principal)
	start := time.Now()

	err := o.graph.Execute(ctx, s)
	if err != nil {
		// A hard stage fault stopped the graph before response
		// generation; build the error response directly.
		s.Err = err
		if genErr := o.pipeline.GenerateResponse(ctx, s); genErr != nil {
			o.logger.Error("response generation failed", "error", genErr, "request_id", requestID)
			s.Response = &agent.FormattedResponse{
				ResponseType: agent.ResponseError,
				Message:      "Your request could not be completed.",
			}
		}
		if o.mgr != nil {
			o.mgr.Fail(s, start, err)
		}
		return s
	}

	if o.mgr != nil {
		o.mgr.Complete(s, start)
	}
	return s
}

// QueryRequest is one conversational query handed to the orchestrator.
type QueryRequest struct {
	// RequestID correlates audit events; generated when empty.
	RequestID string
	// ConversationID groups queries into one conversation for the
	// semantic analyzer's context tracking.
	ConversationID string
	// Query is the user's natural-language question.
	Query string
	// Principal is the validated caller.
	Principal *auth.Principal
}
