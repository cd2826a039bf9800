package mdh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/datagate-io/datagate/internal/config"
	"github.com/datagate-io/datagate/internal/domain/fault"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// defaultQueryTimeout bounds a single hub call when the config omits one.
const defaultQueryTimeout = 30 * time.Second

// rpcModelNotFound is the hub's JSON-RPC error code for an unknown model.
const rpcModelNotFound = -32004

// credentialGuidance is returned verbatim on 401 so callers can show the
// operator something actionable instead of a bare status code.
const credentialGuidance = "The hub rejected the configured credentials. " +
	"Verify mdh.username and mdh.password, confirm the account id matches the tenant, " +
	"and note that record queries use mdh.datahub_username/mdh.datahub_password when set."

// Client is the HTTP master-data-hub adapter. Catalog calls use JSON-RPC
// with the primary credentials; record queries post XML with the datahub
// credentials.
type Client struct {
	baseURL    string
	accountID  string
	username   string
	password   string
	dhUsername string
	dhPassword string

	httpClient *http.Client
	logger     *slog.Logger
	rpcSeq     atomic.Int64
}

var _ outbound.MDHClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, used in tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient builds a hub client from configuration. The query timeout is
// applied to every call through the HTTP client.
func NewClient(cfg config.MDHConfig, opts ...ClientOption) (*Client, error) {
	timeout := defaultQueryTimeout
	if cfg.QueryTimeout != "" {
		d, err := time.ParseDuration(cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse mdh.query_timeout: %w", err)
		}
		timeout = d
	}

	c := &Client{
		baseURL:    cfg.BaseURL,
		accountID:  cfg.AccountID,
		username:   cfg.Username,
		password:   cfg.Password,
		dhUsername: cfg.DatahubUsername,
		dhPassword: cfg.DatahubPassword,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	if c.dhUsername == "" {
		c.dhUsername = c.username
		c.dhPassword = c.password
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// JSON-RPC envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Wire form of catalog models.
type modelJSON struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	PublicationStatus string      `json:"publicationStatus"`
	LatestVersion     int         `json:"latestVersion"`
	Fields            []fieldJSON `json:"fields"`
	Sources           []string    `json:"sources"`
	MatchRules        []string    `json:"matchRules"`
	RecordTitleFields []string    `json:"recordTitleFields"`
}

type fieldJSON struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	Repeatable bool   `json:"repeatable"`
	UniqueID   bool   `json:"uniqueId"`
}

func (m modelJSON) toDomain() *mdh.ModelDescriptor {
	d := &mdh.ModelDescriptor{
		ID:                m.ID,
		Name:              m.Name,
		PublicationStatus: m.PublicationStatus,
		LatestVersion:     m.LatestVersion,
		Sources:           m.Sources,
		MatchRules:        m.MatchRules,
		RecordTitleFields: m.RecordTitleFields,
	}
	for _, f := range m.Fields {
		d.Fields = append(d.Fields, mdh.FieldDescriptor{
			ID:         mdh.CanonicalFieldID(f.Name),
			Name:       f.Name,
			Type:       f.Type,
			Required:   f.Required,
			Repeatable: f.Repeatable,
			UniqueID:   f.UniqueID,
		})
	}
	return d
}

// ListModels fetches the catalog via catalog.listModels.
func (c *Client) ListModels(ctx context.Context, filter outbound.ModelStatusFilter) ([]*mdh.ModelDescriptor, error) {
	if filter == "" {
		filter = outbound.ModelsAll
	}

	var result struct {
		Models []modelJSON `json:"models"`
	}
	err := c.rpc(ctx, "catalog.listModels", map[string]any{
		"account": c.accountID,
		"status":  string(filter),
	}, &result)
	if err != nil {
		return nil, err
	}

	models := make([]*mdh.ModelDescriptor, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, m.toDomain())
	}
	return models, nil
}

// GetModel fetches one model via catalog.getModel.
func (c *Client) GetModel(ctx context.Context, id string) (*mdh.ModelDescriptor, error) {
	var result struct {
		Model *modelJSON `json:"model"`
	}
	err := c.rpc(ctx, "catalog.getModel", map[string]any{
		"account": c.accountID,
		"id":      id,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Model == nil {
		return nil, fault.New(fault.ModelNotFound, fmt.Sprintf("model %q not found", id))
	}
	return result.Model.toDomain(), nil
}

// QueryRecords posts the XML query with the datahub credentials.
func (c *Client) QueryRecords(ctx context.Context, q *mdh.RecordQuery) (*mdh.RecordSet, error) {
	body, err := buildQueryXML(q)
	if err != nil {
		return nil, fault.Wrap(fault.QueryBuildInvalid, "record query rejected", err)
	}

	endpoint := fmt.Sprintf("%s/api/datahub/%s/records/query?model=%s",
		c.baseURL, url.PathEscape(c.accountID), url.QueryEscape(q.ModelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "build record query request", err)
	}
	req.SetBasicAuth(c.dhUsername, c.dhPassword)
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportFault("record query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusFault("record query", resp)
	}

	rs, err := parseQueryResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("record query executed",
		"model_id", q.ModelID,
		"returned", rs.Metadata.ResultCount,
		"total", rs.Metadata.TotalCount,
		"elapsed", time.Since(start),
	)
	return rs, nil
}

// TestConnection verifies reachability and catalog credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListModels(ctx, outbound.ModelsAll)
	return err
}

// rpc posts one JSON-RPC call with the primary credentials.
func (c *Client) rpc(ctx context.Context, method string, params any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.rpcSeq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fault.Wrap(fault.Internal, "marshal rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rpc", bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(fault.Internal, "build rpc request", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportFault(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusFault(method, resp)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fault.Wrap(fault.MDHParseError, "malformed rpc response", err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == rpcModelNotFound {
			return fault.New(fault.ModelNotFound, envelope.Error.Message)
		}
		return fault.New(fault.MDHUpstreamError,
			fmt.Sprintf("hub rpc error %d: %s", envelope.Error.Code, envelope.Error.Message))
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fault.Wrap(fault.MDHParseError, "malformed rpc result", err)
		}
	}
	return nil
}

// transportFault maps connection-level failures. Timeouts are retryable;
// everything else is an upstream error.
func (c *Client) transportFault(operation string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fault.Wrap(fault.MDHTimeout, fmt.Sprintf("hub %s timed out", operation), err)
	}
	return fault.Wrap(fault.MDHUpstreamError, fmt.Sprintf("hub %s failed", operation), err)
}

// statusFault maps HTTP status failures. 401 carries troubleshooting
// guidance and is never retried.
func (c *Client) statusFault(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	c.logger.Warn("hub request failed",
		"operation", operation, "status", resp.StatusCode, "body", string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.MDHUnauthorized, "hub rejected credentials").
			WithGuidance(credentialGuidance)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return fault.New(fault.MDHTimeout, fmt.Sprintf("hub %s timed out upstream", operation))
	default:
		return fault.New(fault.MDHUpstreamError,
			fmt.Sprintf("hub %s returned status %d", operation, resp.StatusCode))
	}
}
