package classify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/email-approver/internal/classify"
	"github.com/nhle/email-approver/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		subject string
		verdict model.Verdict
		token   string
	}{
		{
			name:    "plain approval with token in subject",
			body:    "APPROVED",
			subject: "Re: [TKN-123] Please approve",
			verdict: model.VerdictApprove,
			token:   "TKN-123",
		},
		{
			name:    "labelled token in subject",
			body:    "approved - looks good",
			subject: "Re: [APPROVAL REQUIRED] Invoice discrepancy [ID: TKN-9F2A11C0B7D3]",
			verdict: model.VerdictApprove,
			token:   "TKN-9F2A11C0B7D3",
		},
		{
			name:    "rejection",
			body:    "REJECTED - needs revision",
			subject: "Re: [ID: TKN-123]",
			verdict: model.VerdictReject,
			token:   "TKN-123",
		},
		{
			name:    "both markers is ambiguous",
			body:    "looks fine, approved and rejected both",
			subject: "Re: [TKN-123] Please approve",
			verdict: model.VerdictUnrecognized,
			token:   "TKN-123",
		},
		{
			name:    "no token anywhere",
			body:    "ok thanks",
			subject: "no token here",
			verdict: model.VerdictUnrecognized,
			token:   "",
		},
		{
			name:    "token without verdict wording",
			body:    "let me think about it",
			subject: "Re: [TKN-123] Please approve",
			verdict: model.VerdictUnrecognized,
			token:   "TKN-123",
		},
		{
			name:    "token recovered from quoted body",
			body:    "yes\n\n> An outbound email requires your approval.\n> Request ID: [ID: TKN-456]\n",
			subject: "Re: your request",
			verdict: model.VerdictApprove,
			token:   "TKN-456",
		},
		{
			name:    "verdict read from first unquoted line only",
			body:    "> To APPROVE, reply with: APPROVED\nrejected, sorry",
			subject: "Re: [TKN-123]",
			verdict: model.VerdictReject,
			token:   "TKN-123",
		},
		{
			name:    "negative marker matched as whole word",
			body:    "noted, will reply tomorrow",
			subject: "Re: [TKN-123]",
			verdict: model.VerdictUnrecognized,
			token:   "TKN-123",
		},
		{
			name:    "case insensitive markers",
			body:    "Go Ahead",
			subject: "Re: [TKN-123]",
			verdict: model.VerdictApprove,
			token:   "TKN-123",
		},
		{
			name:    "quote-intro line yields no verdict",
			body:    "On Mon, Jan 2, 2026 at 9:00 AM CFO wrote:\n> APPROVED",
			subject: "Re: [TKN-123]",
			verdict: model.VerdictUnrecognized,
			token:   "TKN-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classify.Classify(tt.body, tt.subject)
			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.token, result.Token)
		})
	}
}
