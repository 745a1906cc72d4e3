package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailsheet-sync/model"
)

// MboxSource replays a local mbox file. UIDs are 1-based file positions.
type MboxSource struct {
	path   string
	logger *slog.Logger
}

func NewMboxSource(path string, logger *slog.Logger) (*MboxSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &MboxSource{path: path, logger: logger}, nil
}

// Open reads the whole mbox file into memory.
func (s *MboxSource) Open(ctx context.Context) (Session, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	session, err := readMbox(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("read mbox %s: %w", s.path, err)
	}
	session.logger = s.logger

	if s.logger != nil {
		s.logger.Debug("mbox opened", "path", s.path, "messages", len(session.messages))
	}
	return session, nil
}

type mboxSession struct {
	messages []mboxEntry
	logger   *slog.Logger
}

type mboxEntry struct {
	msg  model.Message
	seen bool
}

func readMbox(ctx context.Context, r io.Reader) (*mboxSession, error) {
	reader := mboxlib.NewReader(r)
	session := &mboxSession{}

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return session, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, seen := parseMail(raw, uint32(idx+1))
		session.messages = append(session.messages, mboxEntry{msg: msg, seen: seen})
	}
}

// parseMail reads the header block only. Messages with broken headers are
// still returned so the extractor can report them.
func parseMail(raw []byte, uid uint32) (model.Message, bool) {
	msg := model.Message{
		UID:  uid,
		Size: int64(len(raw)),
		Raw:  raw,
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		header := mail.Header{Header: message.Header{Header: h}}
		if id, err := header.MessageID(); err == nil {
			msg.ID = id
		}
		if t, err := header.Date(); err == nil {
			msg.ReceivedAt = t
		}
		if subject, err := header.Subject(); err == nil {
			msg.Subject = subject
		}
		if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
			msg.From = from[0].Address
		}
	}
	if msg.ID == "" {
		msg.ID = FallbackID(0, uid)
	}

	seen := strings.ContainsRune(h.Get("Status"), 'R')
	return msg, seen
}

func (s *mboxSession) List(ctx context.Context, policy Policy) ([]Ref, error) {
	refs := make([]Ref, 0, len(s.messages))
	for _, entry := range s.messages {
		if policy.UnseenOnly && entry.seen {
			continue
		}
		refs = append(refs, Ref{UID: entry.msg.UID, ReceivedAt: entry.msg.ReceivedAt})
	}
	return refs, nil
}

func (s *mboxSession) Fetch(ctx context.Context, ref Ref) (model.Message, error) {
	if ref.UID == 0 || int(ref.UID) > len(s.messages) {
		return model.Message{}, fmt.Errorf("no message at position %d", ref.UID)
	}
	return s.messages[ref.UID-1].msg, nil
}

// MarkSeen only records the flag for the lifetime of the session; the file
// is never rewritten.
func (s *mboxSession) MarkSeen(ctx context.Context, uids []uint32) error {
	for _, uid := range uids {
		if uid == 0 || int(uid) > len(s.messages) {
			return fmt.Errorf("no message at position %d", uid)
		}
		s.messages[uid-1].seen = true
	}
	if s.logger != nil {
		s.logger.Debug("mbox replay does not persist \\Seen", "messages", len(uids))
	}
	return nil
}

func (s *mboxSession) Close() error {
	s.messages = nil
	return nil
}
