package platform

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Flow sources.
const (
	SourceUser                 = "user"
	SourceReauth               = "reauth"
	SourceIntegrationDiscovery = "integration_discovery"
)

// Flow result types.
const (
	ResultForm        = "form"
	ResultCreateEntry = "create_entry"
	ResultAbort       = "abort"
)

// Flow is a pending interaction with the user, such as confirming a
// discovered device or re-entering credentials.
type Flow struct {
	FlowID    string         `json:"flow_id"`
	Handler   string         `json:"handler"`
	Source    string         `json:"source"`
	EntryID   string         `json:"entry_id,omitempty"`
	UniqueID  string         `json:"unique_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FlowResult is returned by a FlowHandler step.
type FlowResult struct {
	Type    string            `json:"type"`
	Reason  string            `json:"reason,omitempty"`
	EntryID string            `json:"entry_id,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// FlowHandler is implemented by integrations that accept flow input.
type FlowHandler interface {
	HandleFlow(ctx context.Context, flow *Flow, input map[string]any) (FlowResult, error)
}

// FlowManager tracks in-progress flows.
type FlowManager struct {
	hub    *Hub
	logger *slog.Logger

	mu    sync.Mutex
	flows map[string]*Flow
}

func newFlowManager(h *Hub, logger *slog.Logger) *FlowManager {
	return &FlowManager{hub: h, logger: logger, flows: make(map[string]*Flow)}
}

// Start opens a flow unless an equivalent one is already in progress: same
// handler and source, and the same entry id or unique id. It reports whether
// a new flow was created.
func (m *FlowManager) Start(handler, source, entryID, uniqueID string, data map[string]any) (Flow, bool) {
	m.mu.Lock()
	for _, f := range m.flows {
		if f.Handler != handler || f.Source != source {
			continue
		}
		if (entryID != "" && f.EntryID == entryID) || (uniqueID != "" && f.UniqueID == uniqueID) {
			cp := *f
			m.mu.Unlock()
			return cp, false
		}
	}
	f := &Flow{
		FlowID:    uuid.NewString(),
		Handler:   handler,
		Source:    source,
		EntryID:   entryID,
		UniqueID:  uniqueID,
		Data:      maps.Clone(data),
		CreatedAt: m.hub.clock.Now(),
	}
	m.flows[f.FlowID] = f
	cp := *f
	m.mu.Unlock()

	m.logger.Info("flow started", "handler", handler, "source", source, "flow", f.FlowID)
	m.hub.Bus.Emit(Event{Type: EventFlowStarted, Data: cp})
	return cp, true
}

// Get returns a flow by id.
func (m *FlowManager) Get(flowID string) (Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return Flow{}, false
	}
	return *f, true
}

// InProgress lists flows, optionally filtered by handler and source.
func (m *FlowManager) InProgress(handler, source string) []Flow {
	m.mu.Lock()
	var out []Flow
	for _, f := range m.flows {
		if (handler == "" || f.Handler == handler) && (source == "" || f.Source == source) {
			out = append(out, *f)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Configure passes user input to the flow's handler. The flow is closed
// unless the handler asks for another form.
func (m *FlowManager) Configure(ctx context.Context, flowID string, input map[string]any) (FlowResult, error) {
	f, ok := m.Get(flowID)
	if !ok {
		return FlowResult{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	integ, ok := m.hub.Integration(f.Handler)
	if !ok {
		return FlowResult{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, f.Handler)
	}
	fh, ok := integ.(FlowHandler)
	if !ok {
		return FlowResult{}, fmt.Errorf("%s does not handle flows", f.Handler)
	}

	res, err := fh.HandleFlow(ctx, &f, input)
	if err != nil {
		return FlowResult{}, err
	}
	if res.Type != ResultForm {
		m.finish(flowID, res)
	}
	return res, nil
}

// Abort closes a flow without a result.
func (m *FlowManager) Abort(flowID string) {
	m.finish(flowID, FlowResult{Type: ResultAbort, Reason: "aborted"})
}

// AbortForEntry closes every flow attached to an entry.
func (m *FlowManager) AbortForEntry(entryID string) {
	for _, f := range m.InProgress("", "") {
		if f.EntryID == entryID {
			m.Abort(f.FlowID)
		}
	}
}

func (m *FlowManager) finish(flowID string, res FlowResult) {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	delete(m.flows, flowID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Info("flow finished", "handler", f.Handler, "source", f.Source, "flow", flowID, "result", res.Type)
	m.hub.Bus.Emit(Event{Type: EventFlowFinished, Data: map[string]any{
		"flow_id": flowID,
		"handler": f.Handler,
		"result":  res,
	}})
}
