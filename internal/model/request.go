package model

import "time"

// State is the lifecycle state of an approval request.
type State string

const (
	// StatePending means the request is awaiting a decision.
	StatePending State = "pending"
	// StateApproved means the request was approved and is eligible for dispatch.
	StateApproved State = "approved"
	// StateRejected means the request was rejected. Terminal.
	StateRejected State = "rejected"
	// StateSent means the approved email was delivered. Terminal.
	StateSent State = "sent"
	// StateSendFailed means delivery of the approved email failed. Terminal.
	StateSendFailed State = "send_failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateSent, StateSendFailed:
		return true
	}
	return false
}

// Verdict is the outcome of classifying an approver's reply.
type Verdict string

const (
	VerdictApprove      Verdict = "approve"
	VerdictReject       Verdict = "reject"
	VerdictUnrecognized Verdict = "unrecognized"
)

// DecisionSource identifies which channel produced a decision.
type DecisionSource string

const (
	// SourceMailboxReply is a decision parsed from a mailbox reply.
	SourceMailboxReply DecisionSource = "mailbox_reply"
	// SourceUIAction is a decision submitted through the web API.
	SourceUIAction DecisionSource = "ui_action"
)

// Draft is the outbound email content held by a request until approval.
type Draft struct {
	Recipient     string `db:"recipient" json:"recipient"`
	RecipientName string `db:"recipient_name" json:"recipient_name,omitempty"`
	Subject       string `db:"subject" json:"subject"`
	BodyText      string `db:"body_text" json:"body_text"`
	BodyHTML      string `db:"body_html" json:"body_html,omitempty"`
}

// ApprovalRequest tracks one outbound email through the approval cycle.
// State is mutated exclusively through the store's CompareAndTransition.
type ApprovalRequest struct {
	ID    string `db:"id" json:"id"`
	Token string `db:"token" json:"token"`

	Draft

	ApproverEmail string `db:"approver_email" json:"approver_email"`

	State          State          `db:"state" json:"state"`
	DecisionSource DecisionSource `db:"decision_source" json:"decision_source,omitempty"`
	DecisionReason string         `db:"decision_reason" json:"decision_reason,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	DecidedAt *time.Time `db:"decided_at" json:"decided_at,omitempty"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at,omitempty"`
}

// DecisionEvent is the uniform decision shape produced by both the mailbox
// poller and the web gateway and consumed by the coordinator.
type DecisionEvent struct {
	// RequestID pins the event to one request. The gateway sets it from the
	// URL path; mailbox replies leave it empty and resolve by Token, since a
	// reused token must land on the token's live request, not a decided one.
	RequestID string

	Token   string
	Verdict Verdict
	Source  DecisionSource
	Reason  string

	// EditedBody optionally replaces the draft body at approval time.
	// Only the web gateway populates it.
	EditedBody string
}

// StateCounts holds the number of requests in each lifecycle state.
type StateCounts struct {
	Pending    int `json:"pending"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Sent       int `json:"sent"`
	SendFailed int `json:"send_failed"`
}

// Total returns the number of requests across all states.
func (c StateCounts) Total() int {
	return c.Pending + c.Approved + c.Rejected + c.Sent + c.SendFailed
}
