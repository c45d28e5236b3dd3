package approval

import (
	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/model"
)

// DraftRenderer is the default Renderer: the approved draft already carries
// the final content, so rendering is a straight mapping onto an outbound
// message.
type DraftRenderer struct{}

// Render maps the request's draft to the final outbound message.
func (DraftRenderer) Render(req *model.ApprovalRequest) (mailbox.Outbound, error) {
	return mailbox.Outbound{
		To:       req.Recipient,
		ToName:   req.RecipientName,
		Subject:  req.Subject,
		TextBody: req.BodyText,
		HTMLBody: req.BodyHTML,
	}, nil
}
