package testutil

import (
	"testing"
	"time"

	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewRequest returns a pending request with the given id and token and
// plausible draft content.
func NewRequest(id, token string) model.ApprovalRequest {
	return model.ApprovalRequest{
		ID:    id,
		Token: token,
		Draft: model.Draft{
			Recipient:     "vendor@example.com",
			RecipientName: "Vendor Inc",
			Subject:       "Invoice discrepancy",
			BodyText:      "Dear Vendor,\n\nPlease review the attached discrepancy.\n",
		},
		ApproverEmail: "cfo@example.com",
		State:         model.StatePending,
		CreatedAt:     time.Now(),
	}
}
