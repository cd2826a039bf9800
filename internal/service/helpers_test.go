package service

import (
	"context"
	"sync"

	"github.com/datagate-io/datagate/internal/domain/audit"
	"github.com/datagate-io/datagate/internal/domain/mdh"
	"github.com/datagate-io/datagate/internal/domain/ratelimit"
	"github.com/datagate-io/datagate/internal/port/outbound"
)

// captureRecorder collects audit events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureRecorder) byType(eventType string) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeHub is a scripted MDH client.
type fakeHub struct {
	models     []*mdh.ModelDescriptor
	listErr    error
	queryErr   error
	queryErrs  []error // consumed one per call before queryErr
	results    *mdh.RecordSet
	queryCalls int
	lastQuery  *mdh.RecordQuery
}

func (f *fakeHub) ListModels(context.Context, outbound.ModelStatusFilter) ([]*mdh.ModelDescriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeHub) GetModel(_ context.Context, id string) (*mdh.ModelDescriptor, error) {
	for _, m := range f.models {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, f.listErr
}

func (f *fakeHub) QueryRecords(_ context.Context, q *mdh.RecordQuery) (*mdh.RecordSet, error) {
	f.queryCalls++
	f.lastQuery = q
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.results != nil {
		return f.results, nil
	}
	return &mdh.RecordSet{}, nil
}

func (f *fakeHub) TestConnection(context.Context) error {
	return f.listErr
}

// fakeLLM is a scripted language model client.
type fakeLLM struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeLLM) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastUser = user
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// allowLimiter admits everything.
type allowLimiter struct{}

func (allowLimiter) Check(context.Context, string, string) (ratelimit.Status, error) {
	return ratelimit.Status{Allowed: true, Remaining: 1}, nil
}
func (allowLimiter) Blacklist(string) (ratelimit.BlacklistEntry, bool) {
	return ratelimit.BlacklistEntry{}, false
}
func (allowLimiter) Cleanup() {}

// denyLimiter refuses everything with the given status.
type denyLimiter struct {
	status ratelimit.Status
}

func (d denyLimiter) Check(context.Context, string, string) (ratelimit.Status, error) {
	return d.status, nil
}
func (denyLimiter) Blacklist(string) (ratelimit.BlacklistEntry, bool) {
	return ratelimit.BlacklistEntry{}, false
}
func (denyLimiter) Cleanup() {}

// productModel is a small catalog model used across pipeline tests.
func productModel() *mdh.ModelDescriptor {
	return &mdh.ModelDescriptor{
		ID:                "model-1",
		Name:              "Product",
		PublicationStatus: mdh.StatusPublished,
		RecordTitleFields: []string{"NAME"},
		Fields: []mdh.FieldDescriptor{
			{ID: "PRODUCTID", Name: "ProductId", Type: "string", Required: true, UniqueID: true},
			{ID: "NAME", Name: "Name", Type: "string", Required: true},
			{ID: "BRAND", Name: "Brand", Type: "string"},
		},
	}
}

func campaignModel() *mdh.ModelDescriptor {
	return &mdh.ModelDescriptor{
		ID:                "model-2",
		Name:              "Campaign",
		PublicationStatus: mdh.StatusPublished,
		RecordTitleFields: []string{"TITLE"},
		Fields: []mdh.FieldDescriptor{
			{ID: "CAMPAIGNID", Name: "CampaignId", Type: "string", Required: true, UniqueID: true},
			{ID: "TITLE", Name: "Title", Type: "string", Required: true},
		},
	}
}
