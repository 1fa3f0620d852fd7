package server

import (
	"encoding/json"

	"dockyard/internal/domain"
)

type CreatePlanRequest struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	PlanType string `json:"plan_type,omitempty" enum:"ongoing,run_once"`
}

type PlanResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	PlanType  string `json:"plan_type"`
	State     string `json:"state"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func planResponse(p domain.Plan) PlanResponse {
	return PlanResponse{
		ID:        p.ID,
		Name:      p.Name,
		Category:  p.Category,
		PlanType:  p.PlanType,
		State:     p.State,
		OwnerID:   p.OwnerID,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func mapPlans(items []domain.Plan) []PlanResponse {
	out := make([]PlanResponse, 0, len(items))
	for _, p := range items {
		out = append(out, planResponse(p))
	}
	return out
}

type CreateNodeRequest struct {
	ParentID           string          `json:"parent_id,omitempty"`
	Kind               string          `json:"kind,omitempty" enum:"subplan,activity"`
	Label              string          `json:"label,omitempty"`
	Index              *int            `json:"index,omitempty"`
	ActivityTemplateID string          `json:"activity_template_id,omitempty"`
	AuthTokenID        string          `json:"auth_token_id,omitempty"`
	CrateStorage       json.RawMessage `json:"crate_storage,omitempty"`
}

type MoveNodeRequest struct {
	ParentID string `json:"parent_id"`
	Index    int    `json:"index"`
}

type NodeResponse struct {
	ID                 string          `json:"id"`
	PlanID             string          `json:"plan_id"`
	ParentID           *string         `json:"parent_id,omitempty"`
	Kind               string          `json:"kind"`
	Label              string          `json:"label,omitempty"`
	Ordering           int             `json:"ordering"`
	ActivityTemplateID *string         `json:"activity_template_id,omitempty"`
	AuthTokenID        *string         `json:"auth_token_id,omitempty"`
	State              string          `json:"state"`
	CrateStorage       json.RawMessage `json:"crate_storage,omitempty"`
}

func nodeResponse(n domain.PlanNode) NodeResponse {
	resp := NodeResponse{
		ID:                 n.ID,
		PlanID:             n.PlanID,
		ParentID:           n.ParentID,
		Kind:               n.Kind,
		Label:              n.Label,
		Ordering:           n.Ordering,
		ActivityTemplateID: n.ActivityTemplateID,
		AuthTokenID:        n.AuthTokenID,
		State:              n.State,
	}
	if n.CrateStorage != "" && json.Valid([]byte(n.CrateStorage)) {
		resp.CrateStorage = json.RawMessage(n.CrateStorage)
	}
	return resp
}

func mapNodes(items []domain.PlanNode) []NodeResponse {
	out := make([]NodeResponse, 0, len(items))
	for _, n := range items {
		out = append(out, nodeResponse(n))
	}
	return out
}

type ContainerResponse struct {
	ID              string          `json:"id"`
	PlanID          string          `json:"plan_id"`
	State           string          `json:"state"`
	CurrentNodeID   *string         `json:"current_node_id,omitempty"`
	NextNodeID      *string         `json:"next_node_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func containerResponse(c domain.Container) ContainerResponse {
	resp := ContainerResponse{
		ID:              c.ID,
		PlanID:          c.PlanID,
		State:           c.State,
		CurrentNodeID:   c.CurrentNodeID,
		NextNodeID:      c.NextNodeID,
		CancelRequested: c.CancelRequested,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.Payload != "" && json.Valid([]byte(c.Payload)) {
		resp.Payload = json.RawMessage(c.Payload)
	}
	return resp
}

func mapContainers(items []domain.Container) []ContainerResponse {
	out := make([]ContainerResponse, 0, len(items))
	for _, c := range items {
		out = append(out, containerResponse(c))
	}
	return out
}

type RegisterTerminalRequest struct {
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

type TerminalResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Endpoint  string `json:"endpoint"`
	CreatedAt string `json:"created_at"`
}

func terminalResponse(t domain.Terminal) TerminalResponse {
	return TerminalResponse{
		ID:        t.ID,
		Name:      t.Name,
		Version:   t.Version,
		Endpoint:  t.Endpoint,
		CreatedAt: t.CreatedAt,
	}
}

type TemplateResponse struct {
	ID                  string `json:"id"`
	TerminalID          string `json:"terminal_id"`
	Name                string `json:"name"`
	Version             string `json:"version"`
	Category            string `json:"category,omitempty"`
	NeedsAuthentication bool   `json:"needs_authentication"`
}

func templateResponse(t domain.ActivityTemplate) TemplateResponse {
	return TemplateResponse{
		ID:                  t.ID,
		TerminalID:          t.TerminalID,
		Name:                t.Name,
		Version:             t.Version,
		Category:            t.Category,
		NeedsAuthentication: t.NeedsAuthentication,
	}
}

type CreateTokenRequest struct {
	UserID            string `json:"user_id"`
	TerminalID        string `json:"terminal_id"`
	ExternalAccountID string `json:"external_account_id"`
	Token             string `json:"token"`
}

type TokenResponse struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	TerminalID        string `json:"terminal_id"`
	ExternalAccountID string `json:"external_account_id"`
	CreatedAt         string `json:"created_at"`
}

func tokenResponse(t domain.AuthorizationToken) TokenResponse {
	return TokenResponse{
		ID:                t.ID,
		UserID:            t.UserID,
		TerminalID:        t.TerminalID,
		ExternalAccountID: t.ExternalAccountID,
		CreatedAt:         t.CreatedAt,
	}
}

type ScheduleAlarmRequest struct {
	ContainerID string `json:"container_id"`
	StartTime   string `json:"start_time" format:"date-time"`
}

type PollingJobResponse struct {
	JobID     string             `json:"job_id"`
	Data      domain.PollingData `json:"data"`
	UpdatedAt string             `json:"updated_at"`
}

func pollingJobResponse(j domain.PollingJob) PollingJobResponse {
	return PollingJobResponse{
		JobID:     j.JobID,
		Data:      j.Data,
		UpdatedAt: j.UpdatedAt,
	}
}

type EventReportRequest struct {
	EventNames        []string        `json:"event_names"`
	ExternalAccountID string          `json:"external_account_id,omitempty"`
	Manufacturer      string          `json:"manufacturer,omitempty"`
	Payload           []PayloadField  `json:"payload,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

type PayloadField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	PlanID     string          `json:"plan_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		PlanID:     e.PlanID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}
