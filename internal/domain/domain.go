// Package domain holds the persisted entities of the hub.
package domain

// Plan types.
const (
	PlanTypeOngoing = "ongoing"
	PlanTypeRunOnce = "run_once"
)

// Plan activation states.
const (
	PlanStateInactive = "inactive"
	PlanStateActive   = "active"
)

// Node kinds. A plan is stored as an arena of nodes referencing each other
// by id; the root carries KindPlan, grouping nodes KindSubPlan, and
// dispatchable steps KindActivity.
const (
	KindPlan     = "plan"
	KindSubPlan  = "subplan"
	KindActivity = "activity"
)

// Activity node states during a run.
const (
	ActivityStateUnstarted = "unstarted"
	ActivityStateInProcess = "in_process"
	ActivityStateCompleted = "completed"
	ActivityStateError     = "error"
)

// Container states.
const (
	ContainerStateRunning   = "running"
	ContainerStateSuspended = "suspended"
	ContainerStateCompleted = "completed"
	ContainerStateFailed    = "failed"
	ContainerStateCanceled  = "canceled"
)

// ActivityResponse is the verdict a terminal (or the engine itself) returns
// after running a node. The names are part of the terminal wire contract.
type ActivityResponse string

const (
	ResponseNull                  ActivityResponse = "Null"
	ResponseSuccess               ActivityResponse = "Success"
	ResponseError                 ActivityResponse = "Error"
	ResponseRequestTerminate      ActivityResponse = "RequestTerminate"
	ResponseRequestSuspend        ActivityResponse = "RequestSuspend"
	ResponseSkipChildren          ActivityResponse = "SkipChildren"
	ResponseReProcessChildren     ActivityResponse = "ReProcessChildren"
	ResponseExecuteClientActivity ActivityResponse = "ExecuteClientActivity"
	ResponseShowDocumentation     ActivityResponse = "ShowDocumentation"
	ResponseJumpToActivity        ActivityResponse = "JumpToActivity"
	ResponseLaunchAdditionalPlan  ActivityResponse = "LaunchAdditionalPlan"
	ResponseRequestLaunch         ActivityResponse = "RequestLaunch"
)

type Plan struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	PlanType  string `json:"plan_type" enum:"ongoing,run_once"`
	State     string `json:"state" enum:"inactive,active"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// PlanNode is one node of a plan's activity tree. ParentID is a back
// reference only; sibling order is the dense Ordering column. The crate
// storage column holds the node's configuration crates.
type PlanNode struct {
	ID                 string  `json:"id"`
	PlanID             string  `json:"plan_id"`
	ParentID           *string `json:"parent_id,omitempty"`
	Kind               string  `json:"kind" enum:"plan,subplan,activity"`
	Label              string  `json:"label,omitempty"`
	Ordering           int     `json:"ordering"`
	ActivityTemplateID *string `json:"activity_template_id,omitempty"`
	AuthTokenID        *string `json:"auth_token_id,omitempty"`
	State              string  `json:"state" enum:"unstarted,in_process,completed,error"`
	CrateStorage       string  `json:"-"`
}

// Container is one execution instance of a plan. CurrentNodeID nil means the
// run finished (or never started); the payload column holds the working
// crate storage threaded through the run.
type Container struct {
	ID              string  `json:"id"`
	PlanID          string  `json:"plan_id"`
	State           string  `json:"state" enum:"running,suspended,completed,failed,canceled"`
	CurrentNodeID   *string `json:"current_node_id,omitempty"`
	NextNodeID      *string `json:"next_node_id,omitempty"`
	Payload         string  `json:"-"`
	CancelRequested bool    `json:"cancel_requested"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Terminal is a registered plugin service implementing the action-dispatch,
// discovery, and polling contract.
type Terminal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Endpoint  string `json:"endpoint"`
	Secret    string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActivityTemplate describes one action type a terminal supports, learned
// from the terminal's /discover response at registration time.
type ActivityTemplate struct {
	ID                  string `json:"id"`
	TerminalID          string `json:"terminal_id"`
	Name                string `json:"name"`
	Version             string `json:"version"`
	Category            string `json:"category,omitempty"`
	NeedsAuthentication bool   `json:"needs_authentication"`
}

// AuthorizationToken is an external-account credential tied to a user and a
// terminal, looked up during dispatch and polling.
type AuthorizationToken struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	TerminalID        string `json:"terminal_id"`
	ExternalAccountID string `json:"external_account_id"`
	Token             string `json:"-"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// PollingData is the mutable payload of one recurring poll job against a
// terminal; it also travels on the polling wire contract.
type PollingData struct {
	JobID                    string `json:"job_id,omitempty"`
	ExternalAccountID        string `json:"external_account_id"`
	UserID                   string `json:"user_id,omitempty"`
	AuthToken                string `json:"auth_token,omitempty"`
	PollingIntervalInMinutes int    `json:"polling_interval_in_minutes"`
	RetryCounter             int    `json:"retry_counter"`
	Result                   bool   `json:"result"`
	TriggerImmediately       bool   `json:"trigger_immediately"`
	AdditionalConfiguration  string `json:"additional_configuration,omitempty"`
}

// PollingJob is the persisted form of a registered poll, keyed by
// terminalToken + "|" + externalAccountID.
type PollingJob struct {
	JobID         string      `json:"job_id"`
	TerminalToken string      `json:"terminal_token"`
	Data          PollingData `json:"data"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PlanID     string `json:"plan_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
