package mailbox

import "time"

// Cursor marks a position in a mailbox's message sequence. LastUID is the
// highest UID that has been fully processed; UIDValidity detects the server
// renumbering the mailbox, which invalidates stored UIDs.
type Cursor struct {
	UIDValidity uint32
	LastUID     uint32
}

// Reply is an inbound message fetched from the approver's mailbox.
type Reply struct {
	UID        uint32
	MessageID  string
	Subject    string
	From       string
	Text       string
	ReceivedAt time.Time
}

// Outbound is a message handed to the SMTP sender. When HTMLBody is set the
// message is sent as multipart/alternative with the text part first.
type Outbound struct {
	To        string
	ToName    string
	Subject   string
	TextBody  string
	HTMLBody  string
	InReplyTo string
}
