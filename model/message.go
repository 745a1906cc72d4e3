package model

import (
	"fmt"
	"time"
)

// Message represents a single email fetched from the mailbox.
type Message struct {
	ID         string
	UID        uint32
	ReceivedAt time.Time
	From       string
	Subject    string
	Size       int64
	Raw        []byte
}

// Attachment is a spreadsheet payload extracted from a message.
type Attachment struct {
	MessageID   string
	Name        string
	ContentType string
	Hash        string
	Data        []byte
}

// Key returns the ledger key identifying this attachment.
func (a Attachment) Key() ItemKey {
	return ItemKey{MessageID: a.MessageID, AttachmentName: a.Name, ContentHash: a.Hash}
}

// ItemKey identifies one delivered attachment across runs.
type ItemKey struct {
	MessageID      string `json:"message_id"`
	AttachmentName string `json:"attachment_name"`
	ContentHash    string `json:"content_hash"`
}

func (k ItemKey) String() string {
	hash := k.ContentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("%s/%s@%s", k.MessageID, k.AttachmentName, hash)
}

// Marker is a processed-item record stored in the run ledger.
type Marker struct {
	ItemKey
	ProcessedAt time.Time `json:"processed_at"`
}
