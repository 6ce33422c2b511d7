package providers

import (
	"context"
	"fmt"
)

// Action is a named console operation that takes free-form input. Actions
// are served at POST /actions/:name.
type Action struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, input map[string]any) (any, error)
}

// Actions returns the actions contributed by the console.
func (p *Console) Actions() []Action {
	return []Action{
		{
			Name:        "realtime_state",
			Description: "Show the realtime connection state",
			Handler:     p.actionState,
		},
		{
			Name:        "list_subscribers",
			Description: "List hub subscribers with delivery counters",
			Handler:     p.actionListSubscribers,
		},
		{
			Name:        "send_frame",
			Description: "Send a raw text frame on the open connection",
			Handler:     p.actionSend,
		},
		{
			Name:        "record_sent",
			Description: "Update an inbox preview after the agent sent a message",
			Handler:     p.actionRecordSent,
		},
		{
			Name:        "agent_status",
			Description: "Ask the message server whether an agent is online",
			Handler:     p.actionAgentStatus,
		},
	}
}

func (p *Console) action(name string) (Action, bool) {
	for _, a := range p.Actions() {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

func (p *Console) actionState(_ context.Context, _ map[string]any) (any, error) {
	if p.service == nil {
		return nil, fmt.Errorf("realtime service not initialized")
	}
	return p.service.State(), nil
}

func (p *Console) actionListSubscribers(_ context.Context, _ map[string]any) (any, error) {
	if p.service == nil {
		return nil, fmt.Errorf("realtime service not initialized")
	}
	subs := p.service.Subscribers()
	return map[string]any{
		"subscribers": subs,
		"count":       len(subs),
	}, nil
}

func (p *Console) actionSend(_ context.Context, input map[string]any) (any, error) {
	if p.service == nil {
		return nil, fmt.Errorf("realtime service not initialized")
	}
	text, _ := input["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if err := p.service.Send(text); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (p *Console) actionRecordSent(_ context.Context, input map[string]any) (any, error) {
	id, ok := input["conversationId"].(float64)
	if !ok {
		return nil, fmt.Errorf("conversationId is required")
	}
	content, _ := input["content"].(string)
	if !p.inbox.RecordSent(int64(id), content) {
		return nil, fmt.Errorf("conversation %d not loaded or content empty", int64(id))
	}
	row, _ := p.inbox.Conversation(int64(id))
	return row, nil
}

func (p *Console) actionAgentStatus(ctx context.Context, input map[string]any) (any, error) {
	if p.negotiator == nil {
		return nil, fmt.Errorf("negotiation client not initialized")
	}
	userID, _ := input["userId"].(string)
	if userID == "" {
		userID = p.cfg.Agent.UserID
	}
	return p.negotiator.AgentStatus(ctx, userID)
}
