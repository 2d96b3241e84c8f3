package hsp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message type tags. The suffix is the semantic version of the payload schema.
const (
	TypeCapabilityAdvertisement = "capability-advertisement/1.0"
	TypeTaskRequest             = "task-request/1.0"
	TypeTaskResult              = "task-result/1.0"
	TypeFact                    = "fact/1.0"
	TypeAck                     = "ack/1.0"
	TypeNack                    = "nack/1.0"
	TypePing                    = "ping/1.0"
	TypePong                    = "pong/1.0"
)

// SplitMessageType separates a message type tag into its name and version
// ("task-request/1.0" → "task-request", "1.0").
func SplitMessageType(messageType string) (name, version string) {
	if i := strings.LastIndex(messageType, "/"); i >= 0 {
		return messageType[:i], messageType[i+1:]
	}
	return messageType, ""
}

// Availability is the advertised operational state of a capability.
type Availability string

// Capability availability states.
const (
	AvailabilityOnline      Availability = "online"
	AvailabilityOffline     Availability = "offline"
	AvailabilityDegraded    Availability = "degraded"
	AvailabilityMaintenance Availability = "maintenance"
)

// CapabilityAdvertisement announces a capability an agent provides. Agents
// re-publish it periodically; the registry treats a missing refresh within
// the TTL as staleness.
type CapabilityAdvertisement struct {
	CapabilityID   string          `json:"capability_id"`
	AgentID        string          `json:"agent_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Version        string          `json:"version"`
	InputSchemaRef string          `json:"input_schema_ref,omitempty"`
	InputExample   json.RawMessage `json:"input_example,omitempty"`
	OutputSchema   string          `json:"output_schema_ref,omitempty"`
	OutputExample  json.RawMessage `json:"output_example,omitempty"`
	Availability   Availability    `json:"availability"`
	Tags           []string        `json:"tags,omitempty"`
	AccessPolicyID string          `json:"access_policy_id,omitempty"`
	DataFormats    []string        `json:"data_formats,omitempty"`
}

// Validate checks the fields the registry depends on.
func (a *CapabilityAdvertisement) Validate() error {
	switch {
	case a.CapabilityID == "":
		return fmt.Errorf("advertisement missing capability_id")
	case a.AgentID == "":
		return fmt.Errorf("advertisement missing agent_id")
	case a.Name == "":
		return fmt.Errorf("advertisement missing name")
	case a.Version == "":
		return fmt.Errorf("advertisement missing version")
	}
	switch a.Availability {
	case AvailabilityOnline, AvailabilityOffline, AvailabilityDegraded, AvailabilityMaintenance:
		return nil
	default:
		return fmt.Errorf("unknown availability: %q", a.Availability)
	}
}

// TaskRequest asks an agent to execute a capability. Exactly one of
// CapabilityIDFilter or CapabilityNameFilter must be set.
type TaskRequest struct {
	RequestID            string         `json:"request_id"`
	RequesterID          string         `json:"requester_id"`
	TargetAgentID        string         `json:"target_agent_id,omitempty"`
	CapabilityIDFilter   string         `json:"capability_id_filter,omitempty"`
	CapabilityNameFilter string         `json:"capability_name_filter,omitempty"`
	Parameters           map[string]any `json:"parameters"`
	OutputFormat         string         `json:"output_format,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	CallbackTopic        string         `json:"callback_topic"`
}

// Validate enforces the one-filter invariant and required fields.
func (r *TaskRequest) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("task request missing request_id")
	case r.RequesterID == "":
		return fmt.Errorf("task request missing requester_id")
	case r.CallbackTopic == "":
		return fmt.Errorf("task request missing callback_topic")
	}
	hasID := r.CapabilityIDFilter != ""
	hasName := r.CapabilityNameFilter != ""
	if hasID == hasName {
		return fmt.Errorf("task request must set exactly one of capability_id_filter and capability_name_filter")
	}
	return nil
}

// TaskStatus is the execution state reported by a task result.
type TaskStatus string

// Task result statuses.
const (
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailure    TaskStatus = "failure"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusRejected   TaskStatus = "rejected"
)

// ExecutionMetadata describes how a task was executed.
type ExecutionMetadata struct {
	DurationMS int64 `json:"duration_ms,omitempty"`
	Retries    int   `json:"retries,omitempty"`
}

// TaskResult is the correlated answer to a TaskRequest. Payload is present
// only on success; Error only on failure or rejection.
type TaskResult struct {
	ResultID     string             `json:"result_id"`
	RequestID    string             `json:"request_id"`
	AgentID      string             `json:"executing_agent_id"`
	Status       TaskStatus         `json:"status"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	OutputFormat string             `json:"output_format,omitempty"`
	Error        *TaskError         `json:"error_details,omitempty"`
	CompletedAt  time.Time          `json:"completed_at"`
	Metadata     *ExecutionMetadata `json:"execution_metadata,omitempty"`
}

// Validate enforces the payload/error exclusivity invariant.
func (r *TaskResult) Validate() error {
	switch {
	case r.ResultID == "":
		return fmt.Errorf("task result missing result_id")
	case r.RequestID == "":
		return fmt.Errorf("task result missing request_id")
	case r.AgentID == "":
		return fmt.Errorf("task result missing executing_agent_id")
	}
	switch r.Status {
	case TaskStatusSuccess:
		if r.Error != nil {
			return fmt.Errorf("success result must not carry error_details")
		}
	case TaskStatusFailure, TaskStatusRejected:
		if r.Error == nil {
			return fmt.Errorf("%s result must carry error_details", r.Status)
		}
		if len(r.Payload) > 0 {
			return fmt.Errorf("%s result must not carry a payload", r.Status)
		}
	case TaskStatusInProgress, TaskStatusQueued:
	default:
		return fmt.Errorf("unknown task status: %q", r.Status)
	}
	return nil
}

// TaskError carries the classified failure reported by an executing agent.
type TaskError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// StatementType tags the representation a fact uses.
type StatementType string

// Fact statement types.
const (
	StatementNaturalLanguage StatementType = "natural-language"
	StatementSemanticTriple  StatementType = "semantic-triple"
	StatementStructuredDoc   StatementType = "structured-doc"
)

// SemanticTriple is the structured subject/predicate/object form of a fact.
type SemanticTriple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    any    `json:"object"`
}

// Fact is a knowledge assertion published on the bus. The receiver-side
// metadata (effective confidence, corroboration, resolution) lives in
// pkg/knowledge, not on the wire.
type Fact struct {
	FactID        string          `json:"fact_id"`
	StatementType StatementType   `json:"statement_type"`
	StatementNL   string          `json:"statement_nl,omitempty"`
	Triple        *SemanticTriple `json:"statement_triple,omitempty"`
	Document      json.RawMessage `json:"statement_doc,omitempty"`
	OriginAgentID string          `json:"origin_agent_id"`
	Source        string          `json:"source,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ObservedAt    *time.Time      `json:"observed_at,omitempty"`
	Confidence    float64         `json:"confidence_score"`
	Weight        float64         `json:"weight,omitempty"`
	ValidFrom     *time.Time      `json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `json:"valid_until,omitempty"`
	Context       map[string]any  `json:"context,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

// Validate checks fact identity and confidence bounds.
func (f *Fact) Validate() error {
	switch {
	case f.FactID == "":
		return fmt.Errorf("fact missing fact_id")
	case f.OriginAgentID == "":
		return fmt.Errorf("fact missing origin_agent_id")
	case f.Confidence < 0 || f.Confidence > 1:
		return fmt.Errorf("fact confidence out of range: %g", f.Confidence)
	}
	switch f.StatementType {
	case StatementNaturalLanguage:
		if f.StatementNL == "" {
			return fmt.Errorf("natural-language fact missing statement_nl")
		}
	case StatementSemanticTriple:
		if f.Triple == nil {
			return fmt.Errorf("semantic-triple fact missing statement_triple")
		}
	case StatementStructuredDoc:
		if len(f.Document) == 0 {
			return fmt.Errorf("structured-doc fact missing statement_doc")
		}
	default:
		return fmt.Errorf("unknown statement type: %q", f.StatementType)
	}
	return nil
}

// Ack acknowledges receipt of a message whose QoS requested it.
type Ack struct {
	TargetMessageID string `json:"target_message_id"`
	Status          string `json:"status"` // "received" or "failed"
}

// Ping is a health probe sent by the lifecycle manager.
type Ping struct {
	ProbeID string `json:"probe_id,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	AgentID string `json:"agent_id"`
	Healthy bool   `json:"healthy"`
}
