package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/sheet"
)

// DefaultMaxSize is the attachment size ceiling applied when none is configured.
const DefaultMaxSize int64 = 10 << 20

var (
	ErrMalformed         = errors.New("malformed MIME structure")
	ErrSizeLimitExceeded = errors.New("attachment exceeds size limit")
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
)

// Options controls attachment selection.
type Options struct {
	MaxSize int64
}

// Skipped describes an attachment that was found but not returned.
type Skipped struct {
	Name   string
	Reason error
}

// Result lists the spreadsheet attachments of one message.
type Result struct {
	Attachments []model.Attachment
	Skipped     []Skipped
	// Ignored counts parts that are not spreadsheets.
	Ignored int
}

// Extractor pulls spreadsheet attachments out of raw RFC 5322 messages.
type Extractor struct {
	maxSize int64
	logger  *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Extractor {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Extractor{maxSize: maxSize, logger: logger}
}

// Extract walks every MIME part of msg and returns the spreadsheet payloads
// in message order. A structural MIME failure returns ErrMalformed and no
// attachments.
func (e *Extractor) Extract(msg model.Message) (Result, error) {
	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Result{}, fmt.Errorf("%w: message %s: %v", ErrMalformed, msg.ID, err)
	}
	if err != nil {
		e.warnCharset(msg.ID, "", err)
	}
	defer mr.Close()

	var res Result
	for idx := 1; ; idx++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return Result{}, fmt.Errorf("%w: message %s: %v", ErrMalformed, msg.ID, err)
		}

		name, contentType := partInfo(part.Header)
		if err != nil {
			e.warnCharset(msg.ID, name, err)
		}
		format := sheet.FormatFor(name, contentType)
		if format == sheet.FormatUnknown && sheet.IsLegacyExcel(name, contentType) {
			if name == "" {
				name = fmt.Sprintf("part-%d.xls", idx)
			}
			res.Skipped = append(res.Skipped, Skipped{
				Name:   name,
				Reason: fmt.Errorf("%w: %q is a legacy .xls workbook", ErrUnsupportedFormat, name),
			})
			if e.logger != nil {
				e.logger.Warn("legacy .xls workbook not supported, resave as .xlsx", "messageID", msg.ID, "attachment", name)
			}
			continue
		}
		if format == sheet.FormatUnknown {
			res.Ignored++
			continue
		}
		if name == "" {
			name = fmt.Sprintf("part-%d.%s", idx, format)
		}

		data, err := io.ReadAll(io.LimitReader(part.Body, e.maxSize+1))
		if err != nil {
			return Result{}, fmt.Errorf("%w: message %s attachment %q: %v", ErrMalformed, msg.ID, name, err)
		}
		if int64(len(data)) > e.maxSize {
			res.Skipped = append(res.Skipped, Skipped{
				Name:   name,
				Reason: fmt.Errorf("%w: %q larger than %d bytes", ErrSizeLimitExceeded, name, e.maxSize),
			})
			if e.logger != nil {
				e.logger.Warn("attachment too large", "messageID", msg.ID, "attachment", name, "limit", e.maxSize)
			}
			continue
		}

		res.Attachments = append(res.Attachments, model.Attachment{
			MessageID:   msg.ID,
			Name:        name,
			ContentType: contentType,
			Hash:        Hash(data),
			Data:        data,
		})
	}

	return res, nil
}

// Hash returns the hex SHA-256 digest used as the ledger content hash.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func partInfo(h mail.PartHeader) (name, contentType string) {
	switch h := h.(type) {
	case *mail.AttachmentHeader:
		contentType, _, _ = h.ContentType()
		name, _ = h.Filename()
	case *mail.InlineHeader:
		var params map[string]string
		contentType, params, _ = h.ContentType()
		if _, dispParams, err := h.ContentDisposition(); err == nil {
			name = dispParams["filename"]
		}
		if name == "" {
			name = params["name"]
		}
	}
	return strings.TrimSpace(name), strings.ToLower(contentType)
}

func (e *Extractor) warnCharset(messageID, name string, err error) {
	if e.logger != nil {
		e.logger.Warn("unknown charset, continuing with raw bytes", "messageID", messageID, "attachment", name, "err", err)
	}
}
