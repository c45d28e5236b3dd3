package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// subjectPrefix marks outbound approval-request emails; replies keep it in
// the subject, which is one of the places the classifier looks for it.
const subjectPrefix = "[APPROVAL REQUIRED]"

// SubmitRequest is the submission boundary's input: the draft to be sent on
// approval plus an optional caller-supplied correlation token.
type SubmitRequest struct {
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	Subject       string `json:"subject"`
	BodyText      string `json:"body_text"`
	BodyHTML      string `json:"body_html,omitempty"`
	Token         string `json:"token,omitempty"`
}

// Workflow handles submissions: it records the pending request and emails
// the approver a review copy carrying the correlation token.
type Workflow struct {
	store    store.Store
	sender   Sender
	approver string
	logger   *slog.Logger
}

// NewWorkflow creates a submission workflow addressing approval requests to
// approverEmail.
func NewWorkflow(s store.Store, snd Sender, approverEmail string, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:    s,
		sender:   snd,
		approver: approverEmail,
		logger:   logger,
	}
}

// Submit creates a pending request for the draft and sends the
// approval-request email to the approver. If that email cannot be sent the
// request stays pending and the error is returned; the operator can still
// decide it through the web API.
func (w *Workflow) Submit(ctx context.Context, in SubmitRequest) (*model.ApprovalRequest, error) {
	if in.Recipient == "" {
		return nil, fmt.Errorf("submission missing recipient")
	}
	if in.Subject == "" {
		return nil, fmt.Errorf("submission missing subject")
	}

	token := in.Token
	if token == "" {
		token = newToken()
	}

	req := model.ApprovalRequest{
		ID:    uuid.NewString(),
		Token: token,
		Draft: model.Draft{
			Recipient:     in.Recipient,
			RecipientName: in.RecipientName,
			Subject:       in.Subject,
			BodyText:      in.BodyText,
			BodyHTML:      in.BodyHTML,
		},
		ApproverEmail: w.approver,
		State:         model.StatePending,
		CreatedAt:     time.Now(),
	}

	if err := w.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	if err := w.sender.Send(ctx, approvalRequestEmail(&req)); err != nil {
		w.logger.Error("approval-request email not sent, request stays pending",
			slog.String("request_id", req.ID),
			slog.Any("error", err),
		)
		return &req, fmt.Errorf("sending approval request %s: %w", req.ID, err)
	}

	w.logger.Info("draft submitted for approval",
		slog.String("request_id", req.ID),
		slog.String("token", req.Token),
		slog.String("approver", w.approver),
	)
	return &req, nil
}

// newToken generates a fresh correlation token.
func newToken() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "TKN-" + raw[:12]
}

// approvalRequestEmail composes the review email sent to the approver. The
// token is embedded in bracketed form in both the subject and the body, so
// a reply can be correlated even when the reply rewrites the subject and
// only quotes the body.
func approvalRequestEmail(req *model.ApprovalRequest) mailbox.Outbound {
	subject := fmt.Sprintf("%s %s [ID: %s]", subjectPrefix, req.Subject, req.Token)

	recipient := req.Recipient
	if req.RecipientName != "" {
		recipient = fmt.Sprintf("%s <%s>", req.RecipientName, req.Recipient)
	}

	body := fmt.Sprintf(`An outbound email requires your approval before being sent.

Request: [ID: %s]

FINAL RECIPIENT: %s
SUBJECT: %s

EMAIL CONTENT:
---------------------------------------------------------------
%s
---------------------------------------------------------------

To APPROVE, reply with: APPROVED
To REJECT, reply with: REJECTED

You can add notes after your decision, for example
"APPROVED - looks good" or "REJECTED - needs revision".

Created: %s
`,
		req.Token,
		recipient,
		req.Subject,
		req.BodyText,
		req.CreatedAt.Format("2006-01-02 15:04:05"),
	)

	return mailbox.Outbound{
		To:       req.ApproverEmail,
		Subject:  subject,
		TextBody: body,
	}
}
