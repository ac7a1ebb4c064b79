package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStep is the state machine node a session currently sits on.
type WorkflowStep string

const (
	StepGreeting                WorkflowStep = "greeting"
	StepInitialInput            WorkflowStep = "initialInput"
	StepAwaitMissingInfo        WorkflowStep = "awaitMissingInfo"
	StepAwaitOptional           WorkflowStep = "awaitOptional"
	StepAwaitAdvanced           WorkflowStep = "awaitAdvanced"
	StepConfirmAfterMissingInfo WorkflowStep = "confirmAfterMissingInfo"
	StepShowSummary             WorkflowStep = "showSummary"
	StepFinalAnalysis           WorkflowStep = "finalAnalysis"
	StepAnalysisError           WorkflowStep = "analysisError"
	StepDefault                 WorkflowStep = "default"
)

var knownSteps = map[WorkflowStep]bool{
	StepGreeting:                true,
	StepInitialInput:            true,
	StepAwaitMissingInfo:        true,
	StepAwaitOptional:           true,
	StepAwaitAdvanced:           true,
	StepConfirmAfterMissingInfo: true,
	StepShowSummary:             true,
	StepFinalAnalysis:           true,
	StepAnalysisError:           true,
	StepDefault:                 true,
}

// AllWorkflowSteps lists every step in workflow order.
func AllWorkflowSteps() []string {
	return []string{
		string(StepGreeting),
		string(StepInitialInput),
		string(StepAwaitMissingInfo),
		string(StepAwaitOptional),
		string(StepAwaitAdvanced),
		string(StepConfirmAfterMissingInfo),
		string(StepShowSummary),
		string(StepFinalAnalysis),
		string(StepAnalysisError),
		string(StepDefault),
	}
}

// ParseWorkflowStep maps a backend-suggested step name onto a known step.
// Unknown or empty names fall back to StepDefault.
func ParseWorkflowStep(name string) WorkflowStep {
	step := WorkflowStep(name)
	if knownSteps[step] {
		return step
	}
	return StepDefault
}

type Intent string

const (
	IntentGreeting            Intent = "greeting"
	IntentKnowledgeQuestion   Intent = "knowledgeQuestion"
	IntentProductRequirements Intent = "productRequirements"
	IntentWorkflow            Intent = "workflow"
	IntentChitChat            Intent = "chitchat"
	IntentOther               Intent = "other"
)

type AuthorKind string

const (
	AuthorUser      AuthorKind = "user"
	AuthorAssistant AuthorKind = "assistant"
	AuthorFeedback  AuthorKind = "feedback"
)

// ChatMessage is one append-only log entry. Content is mutable only while the
// message is the in-progress streamed assistant message.
type ChatMessage struct {
	ID        string       `json:"id"`
	Author    AuthorKind   `json:"author"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

type MessageMeta struct {
	ProductType     string `json:"product_type,omitempty"`
	ValidationAlert string `json:"validation_alert,omitempty"`
	ExamplePrompt   string `json:"example_prompt,omitempty"`
	AnalysisDone    bool   `json:"analysis_done,omitempty"`
	SelectionCount  int    `json:"selection_count,omitempty"`
}

func NewChatMessage(author AuthorKind, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New().String(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// SessionState is the full, serializable state of one conversation session.
// It is owned by the session store; the orchestrator loads it, mutates it
// during a single dispatch and saves it back before replying.
type SessionState struct {
	ID          string       `json:"id"`
	Step        WorkflowStep `json:"step"`
	ProductType string       `json:"product_type,omitempty"`

	CollectedData CollectedData             `json:"collected_data"`
	Schema        *RequirementSchema        `json:"schema,omitempty"`
	Advanced      *AdvancedParametersResult `json:"advanced,omitempty"`
	Analysis      *AnalysisResult           `json:"analysis,omitempty"`

	// RequirementText accumulates the free text the user has supplied for the
	// current product type so re-validation sees prior turns as well.
	RequirementText string `json:"requirement_text,omitempty"`

	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewSessionState(id string) *SessionState {
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now()
	return &SessionState{
		ID:            id,
		Step:          StepGreeting,
		CollectedData: CollectedData{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ResetSearch replaces the requirement-gathering state for a fresh search
// while keeping the session and its message log alive.
func (s *SessionState) ResetSearch() {
	s.Step = StepInitialInput
	s.ProductType = ""
	s.CollectedData = CollectedData{}
	s.Schema = nil
	s.Advanced = nil
	s.RequirementText = ""
	s.UpdatedAt = time.Now()
}

func (s *SessionState) Touch() {
	s.UpdatedAt = time.Now()
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
	NewSearch bool   `json:"new_search,omitempty"`
}

type ChatResponse struct {
	SessionID string        `json:"session_id"`
	RequestID string        `json:"request_id"`
	Step      WorkflowStep  `json:"step"`
	Messages  []ChatMessage `json:"messages"`
	Timestamp time.Time     `json:"timestamp"`
	TotalTime *float64      `json:"total_time_ms,omitempty"`
}

type FeedbackRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Positive  *bool  `json:"positive,omitempty"`
	Comment   string `json:"comment"`
}

// UpdateType tags the events published on a session's update stream.
type UpdateType string

const (
	UpdateTypeMessageAppended UpdateType = "message_appended"
	UpdateTypeMessageUpdated  UpdateType = "message_updated"
	UpdateTypeStreamStarted   UpdateType = "stream_started"
	UpdateTypeStreamCompleted UpdateType = "stream_completed"
	UpdateTypeStepChanged     UpdateType = "step_changed"
)

// SessionUpdate is one event on the per-session update stream, relayed to
// connected WebSocket clients by the stream handler.
type SessionUpdate struct {
	SessionID string       `json:"session_id"`
	RequestID string       `json:"request_id,omitempty"`
	Type      UpdateType   `json:"type"`
	MessageID string       `json:"message_id,omitempty"`
	Author    AuthorKind   `json:"author,omitempty"`
	Content   string       `json:"content,omitempty"`
	Step      WorkflowStep `json:"step,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func GenerateRequestID() string {
	return uuid.New().String()
}

func GenerateSessionID() string {
	return uuid.New().String()
}
