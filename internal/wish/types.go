// Package wish implements the Wish-Session State Machine: a global,
// single-occupancy, turn-based conversation gated by a structured-output
// model, with debounced multi-message chat input and a timed chat-vote
// phase.
package wish

import "time"

// State is one state of the wish-session state machine.
type State string

const (
	StateIdle         State = "idle"
	StateProcessing   State = "processing"
	StateAskFollowup  State = "ask_followup"
	StateAwaitChat    State = "await_chat"
	StateComplete     State = "complete"
)

// Outcome is the terminal result of a completed wish session.
type Outcome string

const (
	OutcomeGrant     Outcome = "grant"
	OutcomeDeny      Outcome = "deny"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Redeemer identifies the viewer whose channel-point redemption started the
// session.
type Redeemer struct {
	ID          string
	Login       string
	DisplayName string
}

// Turn is one entry in a session's conversation history.
type Turn struct {
	Role    string // "user" | "assistant"
	Content string

	// ParsedSpeech and ParsedAction are populated on assistant turns: the
	// speech/action pair extracted from the model's structured response.
	ParsedSpeech string
	ParsedAction string
}

// Record is the persisted shape of a terminal wish session.
type Record struct {
	SessionID     string
	Redeemer      Redeemer
	WishText      string
	Conversation  []Turn
	Outcome       Outcome
	FollowupCount int
	StartedAt     time.Time
	EndedAt       time.Time
}

// Status is the live snapshot broadcast to wish-dashboard subscribers on
// every transition.
type Status struct {
	Active              bool   `json:"active"`
	SessionID           string `json:"session_id,omitempty"`
	RedeemerDisplayName string `json:"redeemer_display_name,omitempty"`
	WishText            string `json:"wish_text,omitempty"`
	State               string `json:"state,omitempty"`
	FollowupCount       int    `json:"followup_count"`
}

// statusFrame is the wire envelope for a Status broadcast.
type statusFrame struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

func newStatusFrame(s Status) statusFrame {
	return statusFrame{Type: "santa_status", Status: s}
}
