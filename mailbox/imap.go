package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailsheet-sync/model"
)

// IMAPOptions configures the IMAP source.
type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

type IMAPSource struct {
	opts   IMAPOptions
	logger *slog.Logger
}

func NewIMAPSource(opts IMAPOptions, logger *slog.Logger) (*IMAPSource, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	return &IMAPSource{opts: opts, logger: logger}, nil
}

// Open dials, logs in and selects the configured folder.
func (s *IMAPSource) Open(ctx context.Context) (Session, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	selected, err := client.Select(s.opts.Folder, nil).Wait()
	if err != nil {
		stopClose()
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", s.opts.Folder, err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.opts.Folder, "tls", s.opts.UseTLS, "messages", selected.NumMessages)
	}

	return &imapSession{
		client:      client,
		ctx:         ctx,
		stopClose:   stopClose,
		uidValidity: selected.UIDValidity,
		logger:      s.logger,
	}, nil
}

type imapSession struct {
	client      *imapclient.Client
	ctx         context.Context
	stopClose   func() bool
	uidValidity uint32
	logger      *slog.Logger
}

func (s *imapSession) List(ctx context.Context, policy Policy) ([]Ref, error) {
	criteria := &imap.SearchCriteria{}
	if policy.UnseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if !policy.Since.IsZero() {
		criteria.Since = policy.Since
	}
	if !policy.Before.IsZero() {
		// BEFORE is day granular; the scanner trims the exact window.
		criteria.Before = policy.Before.AddDate(0, 0, 1)
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch arrival dates: %w", err)
	}

	refs := make([]Ref, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, Ref{UID: uint32(m.UID), ReceivedAt: m.InternalDate})
	}
	return refs, nil
}

func (s *imapSession) Fetch(ctx context.Context, ref Ref) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(ref.UID)), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		Envelope:     true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch uid %d: %w", ref.UID, err)
	}
	if len(msgs) == 0 {
		return model.Message{}, fmt.Errorf("fetch uid %d: message vanished", ref.UID)
	}

	m := msgs[0]
	msg := model.Message{
		UID:        uint32(m.UID),
		ReceivedAt: m.InternalDate,
		Size:       m.RFC822Size,
		Raw:        m.FindBodySection(section),
	}
	if env := m.Envelope; env != nil {
		msg.ID = strings.Trim(strings.TrimSpace(env.MessageID), "<>")
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
	}
	if msg.ID == "" {
		msg.ID = FallbackID(s.uidValidity, msg.UID)
	}
	return msg, nil
}

func (s *imapSession) MarkSeen(ctx context.Context, uids []uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imap.UID(uid))
	}
	err := s.client.Store(imap.UIDSetNum(set...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("store \\Seen: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	s.stopClose()
	if s.ctx.Err() == nil {
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

// FallbackID identifies a message that carries no Message-ID header.
func FallbackID(uidValidity, uid uint32) string {
	return fmt.Sprintf("uid:%d:%d", uidValidity, uid)
}
