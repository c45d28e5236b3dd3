package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/email-approver/internal/model"
)

// IMAPClient wraps go-imap v2 for fetching approval replies from a mailbox.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	folder   string
}

// NewIMAPClient creates a new IMAP client from the mailbox configuration.
func NewIMAPClient(cfg model.MailboxConfig) *IMAPClient {
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPClient{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		tls:      cfg.TLS,
		folder:   folder,
	}
}

// connect establishes a connection to the IMAP server, authenticates, and
// selects the configured folder. The caller is responsible for calling
// Logout on the returned client.
func (c *IMAPClient) connect(_ context.Context) (*imapclient.Client, *imap.SelectData, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, nil, fmt.Errorf("authenticating %s: %w", c.username, err)
	}

	selectData, err := client.Select(c.folder, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, nil, fmt.Errorf("selecting %s: %w", c.folder, err)
	}

	return client, selectData, nil
}

// FetchSince fetches all messages with UIDs above the cursor and returns
// them in ascending UID order, together with the advanced cursor. When the
// server's UIDVALIDITY differs from the cursor's, stored UIDs are
// meaningless and the fetch restarts from the beginning of the mailbox; the
// coordinator's exactly-once transitions absorb the resulting re-delivery.
func (c *IMAPClient) FetchSince(ctx context.Context, cur Cursor) ([]Reply, Cursor, error) {
	client, selectData, err := c.connect(ctx)
	if err != nil {
		return nil, cur, err
	}
	defer func() { _ = client.Logout().Wait() }()

	next := Cursor{UIDValidity: selectData.UIDValidity, LastUID: cur.LastUID}
	if cur.UIDValidity != 0 && cur.UIDValidity != selectData.UIDValidity {
		next.LastUID = 0
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(next.LastUID+1), 0)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, cur, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, next, nil
	}

	fetchSet := imap.UIDSetNum(uids...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(fetchSet, fetchOpts)
	defer fetchCmd.Close()

	var replies []Reply
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		reply := replyFromBuffer(buf, bodySection)
		replies = append(replies, reply)
		if reply.UID > next.LastUID {
			next.LastUID = reply.UID
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, cur, fmt.Errorf("fetching messages: %w", err)
	}

	sort.Slice(replies, func(i, j int) bool {
		return replies[i].UID < replies[j].UID
	})

	return replies, next, nil
}

// MarkProcessed flags messages as seen so a human inspecting the mailbox
// can tell which replies have been handled.
func (c *IMAPClient) MarkProcessed(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	client, _, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	return storeCmd.Close()
}

// replyFromBuffer extracts a Reply from a fetched message buffer.
func replyFromBuffer(
	buf *imapclient.FetchMessageBuffer,
	bodySection *imap.FetchItemBodySection,
) Reply {
	reply := Reply{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		reply.MessageID = buf.Envelope.MessageID
		reply.Subject = buf.Envelope.Subject
		reply.ReceivedAt = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			reply.From = buf.Envelope.From[0].Addr()
		}
	}

	rawBody := buf.FindBodySection(bodySection)
	if rawBody != nil {
		reply.Text = extractText(rawBody)
	}

	return reply
}

// extractText parses a raw RFC 2822 message using go-message and returns
// its text/plain body, falling back to stripped HTML when no plain part
// exists.
func extractText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw)
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			return string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	return stripHTML(htmlBody)
}
