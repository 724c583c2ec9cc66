package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/logger"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// =============================================================================
// IMAP Adapter
// =============================================================================

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	TLS        bool
	Mailbox    string
	MaxResults int
}

// IMAPAdapter implements out.MailFetcher and out.MailMutator for a generic
// IMAP server. Provider ids are message UIDs in the configured mailbox; each
// call opens its own session.
type IMAPAdapter struct {
	cfg IMAPConfig
}

var (
	_ out.MailFetcher = (*IMAPAdapter)(nil)
	_ out.MailMutator = (*IMAPAdapter)(nil)
)

func NewIMAPAdapter(cfg IMAPConfig) *IMAPAdapter {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &IMAPAdapter{cfg: cfg}
}

const imapDialTimeout = 30 * time.Second

// wordDecoder decodes RFC 2047 words in any charset go-message knows.
var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// connect dials, logs in and selects the configured mailbox. Cancelling ctx
// aborts the dial and closes the connection while logging in. The caller must
// log out.
func (a *IMAPAdapter) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))

	dialer := &net.Dialer{Timeout: imapDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, out.NewProviderError("imap", out.ProviderErrNetwork, "connecting to "+addr, err, true)
	}

	opts := &imapclient.Options{
		TLSConfig:   &tls.Config{ServerName: a.cfg.Host},
		WordDecoder: wordDecoder,
	}

	var client *imapclient.Client
	if a.cfg.TLS {
		tlsConfig := opts.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{"imap"}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, out.NewProviderError("imap", out.ProviderErrNetwork, "tls handshake with "+addr, err, true)
		}
		client = imapclient.New(tlsConn, opts)
	} else {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			return nil, out.NewProviderError("imap", out.ProviderErrNetwork, "starttls with "+addr, err, true)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		if ctx.Err() != nil {
			return nil, out.NewProviderError("imap", out.ProviderErrNetwork, "login interrupted", ctx.Err(), true)
		}
		return nil, out.NewProviderError("imap", out.ProviderErrAuth,
			fmt.Sprintf("authentication failed for %s", a.cfg.Username), err, false)
	}

	if _, err := client.Select(a.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		if ctx.Err() != nil {
			return nil, out.NewProviderError("imap", out.ProviderErrNetwork, "select interrupted", ctx.Err(), true)
		}
		return nil, out.NewProviderError("imap", out.ProviderErrServer, "selecting "+a.cfg.Mailbox, err, false)
	}
	return client, nil
}

// =============================================================================
// Fetch
// =============================================================================

// FetchEmails returns the newest messages of the mailbox without changing
// their \Seen flag.
func (a *IMAPAdapter) FetchEmails(ctx context.Context) ([]*domain.Email, error) {
	client, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, out.NewProviderError("imap", out.ProviderErrServer, "searching messages", err, true)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return []*domain.Email{}, nil
	}
	if len(uids) > a.cfg.MaxResults {
		uids = uids[len(uids)-a.cfg.MaxResults:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})

	emails := make([]*domain.Email, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			logger.WithError(err).Warn("[IMAPAdapter.FetchEmails] Skipping unreadable message")
			continue
		}
		emails = append(emails, a.convertMessage(buf, buf.FindBodySection(bodySection)))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, out.NewProviderError("imap", out.ProviderErrServer, "fetching messages", err, true)
	}

	logger.Debug("[IMAPAdapter.FetchEmails] Fetched %d messages from %s", len(emails), a.cfg.Mailbox)
	return emails, nil
}

func (a *IMAPAdapter) convertMessage(buf *imapclient.FetchMessageBuffer, raw []byte) *domain.Email {
	email := &domain.Email{
		ProviderID: strconv.FormatUint(uint64(buf.UID), 10),
		Status:     domain.EmailStatusUnread,
		Labels:     []string{a.cfg.Mailbox},
		ReceivedAt: buf.InternalDate.UTC(),
	}

	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			email.Status = domain.EmailStatusRead
		}
		email.Labels = append(email.Labels, string(flag))
	}

	if env := buf.Envelope; env != nil {
		email.Subject = decodeHeader(env.Subject)
		if len(env.From) > 0 {
			email.SenderEmail = env.From[0].Addr()
		}
		to := make([]string, 0, len(env.To))
		for _, addr := range env.To {
			to = append(to, addr.Addr())
		}
		email.RecipientEmails = strings.Join(to, ", ")
		if email.ReceivedAt.IsZero() && !env.Date.IsZero() {
			email.ReceivedAt = env.Date.UTC()
		}
	}

	if raw != nil {
		email.Body = parseMIMEBody(raw)
	}
	return email
}

// parseMIMEBody returns the text/plain part of a raw message, or the
// text/html part converted to text.
func parseMIMEBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var body messageBody
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch contentType {
		case "text/plain":
			if body.Text == "" {
				body.Text = string(data)
			}
		case "text/html":
			if body.HTML == "" {
				body.HTML = string(data)
			}
		}
	}
	return body.plainText()
}

// =============================================================================
// Mutations
// =============================================================================

func (a *IMAPAdapter) MarkAsRead(ctx context.Context, providerID string) error {
	return a.storeFlags(ctx, providerID, imap.StoreFlagsAdd)
}

func (a *IMAPAdapter) MarkAsUnread(ctx context.Context, providerID string) error {
	return a.storeFlags(ctx, providerID, imap.StoreFlagsDel)
}

func (a *IMAPAdapter) storeFlags(ctx context.Context, providerID string, op imap.StoreFlagsOp) error {
	uid, err := parseUID(providerID)
	if err != nil {
		return err
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return out.NewProviderError("imap", out.ProviderErrServer, "storing flags on "+providerID, err, true)
	}
	return nil
}

// MoveToLabel moves the message into the mailbox named label. A missing
// mailbox is created when the server answers TRYCREATE or NONEXISTENT.
func (a *IMAPAdapter) MoveToLabel(ctx context.Context, providerID, label string) error {
	uid, err := parseUID(providerID)
	if err != nil {
		return err
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	uidSet := imap.UIDSetNum(uid)
	_, err = client.Move(uidSet, label).Wait()
	if err == nil {
		return nil
	}
	if !needsMailboxCreate(err) {
		return out.NewProviderError("imap", out.ProviderErrServer, "moving "+providerID+" to "+label, err, true)
	}

	if cerr := client.Create(label, nil).Wait(); cerr != nil {
		return out.NewProviderError("imap", out.ProviderErrServer, "creating mailbox "+label,
			errors.Join(err, cerr), false)
	}
	logger.Info("[IMAPAdapter] Created mailbox %q", label)

	if _, err := client.Move(uidSet, label).Wait(); err != nil {
		return out.NewProviderError("imap", out.ProviderErrServer, "moving "+providerID+" to "+label, err, true)
	}
	return nil
}

// needsMailboxCreate reports whether err says the target mailbox is missing.
func needsMailboxCreate(err error) bool {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return false
	}
	return imapErr.Code == imap.ResponseCodeTryCreate || imapErr.Code == imap.ResponseCodeNonExistent
}

func parseUID(providerID string) (imap.UID, error) {
	n, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil || n == 0 {
		if err == nil {
			err = errors.New("uid must be positive")
		}
		return 0, out.NewProviderError("imap", out.ProviderErrInvalidInput, "invalid message uid "+strconv.Quote(providerID), err, false)
	}
	return imap.UID(n), nil
}

// decodeHeader decodes RFC 2047 words, returning s unchanged on failure.
func decodeHeader(s string) string {
	if decoded, err := wordDecoder.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}
