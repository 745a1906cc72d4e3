package mailbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dhcgn/mailsheet-sync/filter"
	"github.com/dhcgn/mailsheet-sync/model"
)

var ErrConnection = errors.New("mailbox connection error")

// Policy selects candidate messages.
type Policy struct {
	UnseenOnly  bool
	Since       time.Time
	Before      time.Time
	Filter      *filter.Filter
	MaxMessages int
}

// Ref points at a message inside an open session.
type Ref struct {
	UID        uint32
	ReceivedAt time.Time
}

// Source opens sessions against a mailbox.
type Source interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one connected view of a mailbox folder.
type Session interface {
	List(ctx context.Context, policy Policy) ([]Ref, error)
	Fetch(ctx context.Context, ref Ref) (model.Message, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	Close() error
}

// ScanStats counts what a scan looked at.
type ScanStats struct {
	Candidates int
	Scanned    int
	Filtered   int
}

// Scanner walks candidate messages oldest first.
type Scanner struct {
	source  Source
	logger  *slog.Logger
	session Session
}

func NewScanner(source Source, logger *slog.Logger) *Scanner {
	return &Scanner{source: source, logger: logger}
}

// Open connects the underlying source. Scan and MarkSeen require it.
func (s *Scanner) Open(ctx context.Context) error {
	if s.session != nil {
		return nil
	}
	session, err := s.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.session = session
	return nil
}

// Count returns the number of candidates the policy selects without fetching them.
func (s *Scanner) Count(ctx context.Context, policy Policy) (int, error) {
	refs, err := s.list(ctx, policy)
	return len(refs), err
}

// Scan fetches every candidate in ascending arrival order and hands it to fn.
// Messages rejected by the policy filter are counted and not passed on. An
// error returned by fn stops the scan and is returned unchanged.
func (s *Scanner) Scan(ctx context.Context, policy Policy, fn func(model.Message) error) (ScanStats, error) {
	var st ScanStats

	refs, err := s.list(ctx, policy)
	if err != nil {
		return st, err
	}
	st.Candidates = len(refs)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		msg, err := s.session.Fetch(ctx, ref)
		if err != nil {
			return st, fmt.Errorf("%w: fetch uid %d: %w", ErrConnection, ref.UID, err)
		}
		st.Scanned++

		if !policy.Filter.AllowsMessage(msg) {
			st.Filtered++
			if s.logger != nil {
				s.logger.Debug("message filtered", "messageID", msg.ID, "subject", msg.Subject)
			}
			continue
		}

		if err := fn(msg); err != nil {
			return st, err
		}
	}

	return st, nil
}

// MarkSeen flags the given messages as read.
func (s *Scanner) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if s.session == nil {
		return fmt.Errorf("%w: session not open", ErrConnection)
	}
	if err := s.session.MarkSeen(ctx, uids); err != nil {
		return fmt.Errorf("%w: mark seen: %w", ErrConnection, err)
	}
	return nil
}

func (s *Scanner) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *Scanner) list(ctx context.Context, policy Policy) ([]Ref, error) {
	if s.session == nil {
		if err := s.Open(ctx); err != nil {
			return nil, err
		}
	}

	refs, err := s.session.List(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrConnection, err)
	}

	refs = slices.Clone(refs)
	slices.SortStableFunc(refs, func(a, b Ref) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
	refs = slices.DeleteFunc(refs, func(r Ref) bool {
		return !inWindow(r.ReceivedAt, policy)
	})

	if policy.MaxMessages > 0 && len(refs) > policy.MaxMessages {
		refs = refs[:policy.MaxMessages]
	}
	return refs, nil
}

func inWindow(t time.Time, policy Policy) bool {
	if t.IsZero() {
		return policy.Since.IsZero() && policy.Before.IsZero()
	}
	if !policy.Since.IsZero() && t.Before(policy.Since) {
		return false
	}
	if !policy.Before.IsZero() && !t.Before(policy.Before) {
		return false
	}
	return true
}
