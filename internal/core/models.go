package core

import (
	"time"
)

// Target kinds for batches and scheduled sends.
const (
	TargetCommunity = "community"
	TargetEvent     = "event"
)

// DeliveryBatch statuses.
const (
	BatchProcessing = "processing"
	BatchSent       = "sent"
	BatchFailed     = "failed"
)

// ScheduledSend statuses.
const (
	ScheduledPending    = "pending"
	ScheduledProcessing = "processing"
	ScheduledSent       = "sent"
	ScheduledFailed     = "failed"
	ScheduledExpired    = "expired"
	ScheduledCancelled  = "cancelled"
)

// Message directions and survey session statuses.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// SendTransient marks a result whose send failed before the provider gave a
// verdict on the number (rate limit, outage). It never feeds suppression.
const SendTransient = "transient"

type Recipient struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// SendResult is one per-recipient outcome. A batch's result list doubles as
// its resume cursor.
type SendResult struct {
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the entry is a conclusive failure. Unsuccessful
// entries with no error text only count when the status says so.
func (r SendResult) Failed() bool {
	if r.Success {
		return false
	}
	if r.Error != "" {
		return true
	}
	switch r.Status {
	case "", "failed", "undelivered":
		return true
	}
	return false
}

type DeliveryBatch struct {
	ID              int64        `json:"id"`
	CreatedAt       time.Time    `json:"created_at"`
	Body            string       `json:"body"`
	Target          string       `json:"target"`
	EventID         *int64       `json:"event_id,omitempty"`
	Status          string       `json:"status"`
	TotalRecipients int          `json:"total_recipients"`
	SuccessCount    int          `json:"success_count"`
	FailureCount    int          `json:"failure_count"`
	Results         []SendResult `json:"results"`
}

type ScheduledSend struct {
	ID                  int64      `json:"id"`
	CreatedAt           time.Time  `json:"created_at"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	Body                string     `json:"body"`
	Target              string     `json:"target"`
	EventID             *int64     `json:"event_id,omitempty"`
	TestMode            bool       `json:"test_mode"`
	Status              string     `json:"status"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	Error               *string    `json:"error,omitempty"`
	BatchID             *int64     `json:"batch_id,omitempty"`
}

type UnsubscribedContact struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Name      *string   `json:"name,omitempty"`
	Reason    *string   `json:"reason,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type SuppressedContact struct {
	ID            int64     `json:"id"`
	Phone         string    `json:"phone"`
	Reason        *string   `json:"reason,omitempty"`
	Category      string    `json:"category"`
	Source        string    `json:"source"`
	SourceBatchID *int64    `json:"source_batch_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Thread struct {
	ID                 int64     `json:"id"`
	Phone              string    `json:"phone"`
	ContactName        *string   `json:"contact_name,omitempty"`
	UnreadCount        int       `json:"unread_count"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastDirection      string    `json:"last_direction"`
}

type ConversationMessage struct {
	ID                 int64     `json:"id"`
	ThreadID           int64     `json:"thread_id"`
	Phone              string    `json:"phone"`
	Direction          string    `json:"direction"`
	Body               string    `json:"body"`
	ProviderMessageID  *string   `json:"provider_message_id,omitempty"`
	AutomationSource   *string   `json:"automation_source,omitempty"`
	AutomationSourceID *int64    `json:"automation_source_id,omitempty"`
	MatchedKeyword     *string   `json:"matched_keyword,omitempty"`
	DeliveryStatus     *string   `json:"delivery_status,omitempty"`
	DeliveryError      *string   `json:"delivery_error,omitempty"`
	RawPayload         []byte    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

type KeywordRule struct {
	ID            int64      `json:"id"`
	Keyword       string     `json:"keyword"`
	ResponseBody  string     `json:"response_body"`
	Active        bool       `json:"active"`
	MatchCount    int        `json:"match_count"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`
}

type SurveyFlow struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	TriggerKeyword    string   `json:"trigger_keyword"`
	IntroMessage      string   `json:"intro_message,omitempty"`
	CompletionMessage string   `json:"completion_message,omitempty"`
	Questions         []string `json:"questions"`
	Active            bool     `json:"active"`
	LinkedEventID     *int64   `json:"linked_event_id,omitempty"`
	StartCount        int      `json:"start_count"`
	CompletionCount   int      `json:"completion_count"`
}

type SurveySession struct {
	ID                   int64      `json:"id"`
	SurveyID             int64      `json:"survey_id"`
	ThreadID             int64      `json:"thread_id"`
	Phone                string     `json:"phone"`
	Status               string     `json:"status"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	StartedAt            time.Time  `json:"started_at"`
	LastActivityAt       time.Time  `json:"last_activity_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

type SurveyAnswer struct {
	ID             int64     `json:"id"`
	SessionID      int64     `json:"session_id"`
	SurveyID       int64     `json:"survey_id"`
	Phone          string    `json:"phone"`
	QuestionIndex  int       `json:"question_index"`
	QuestionPrompt string    `json:"question_prompt"`
	Answer         string    `json:"answer"`
	CreatedAt      time.Time `json:"created_at"`
}

type EventRegistration struct {
	ID      int64   `json:"id"`
	EventID int64   `json:"event_id"`
	Name    *string `json:"name,omitempty"`
	Phone   string  `json:"phone"`
}
