// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/logger"
	"rule_worker/pkg/resilience"

	"github.com/k3a/html2text"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailLabelInbox  = "INBOX"
	gmailLabelUnread = "UNREAD"
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailFetcher and out.MailMutator for Gmail.
type GmailAdapter struct {
	svc        *gmail.Service
	userID     string
	maxResults int64
	query      string

	labelsMu sync.Mutex
	labels   map[string]string // lowercase name -> label id

	cb *resilience.Breaker
}

var (
	_ out.MailFetcher = (*GmailAdapter)(nil)
	_ out.MailMutator = (*GmailAdapter)(nil)
)

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	UserID     string
	MaxResults int
	Query      string
}

// NewGmailAdapter creates a new Gmail adapter. Authentication comes from opts,
// normally option.WithTokenSource.
func NewGmailAdapter(ctx context.Context, cfg GmailConfig, opts ...option.ClientOption) (*GmailAdapter, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, wrapGmailError(err, "unable to create Gmail service")
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}
	maxResults := int64(cfg.MaxResults)
	if maxResults <= 0 {
		maxResults = 10
	}

	return &GmailAdapter{
		svc:        svc,
		userID:     userID,
		maxResults: maxResults,
		query:      cfg.Query,
		cb:         newGmailBreaker(),
	}, nil
}

func newGmailBreaker() *resilience.Breaker {
	cfg := resilience.DefaultBreakerConfig("gmail-api")
	cfg.IsFailure = func(err error) bool {
		if errors.Is(err, context.Canceled) {
			return false
		}
		var pe *out.ProviderError
		return errors.As(err, &pe) && pe.Retryable
	}
	return resilience.NewBreaker(cfg)
}

// do runs one Gmail API call behind the breaker and maps its error.
func (a *GmailAdapter) do(fn func() error, msg string) error {
	err := a.cb.Execute(func() error {
		return wrapGmailError(fn(), msg)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return out.NewProviderError("gmail", out.ProviderErrServer, "Gmail API unavailable, circuit open", err, true)
	}
	return err
}

// =============================================================================
// Fetch
// =============================================================================

// FetchEmails lists the newest messages and converts each into a record.
func (a *GmailAdapter) FetchEmails(ctx context.Context) ([]*domain.Email, error) {
	call := a.svc.Users.Messages.List(a.userID).MaxResults(a.maxResults).Context(ctx)
	if a.query != "" {
		call = call.Q(a.query)
	}

	var resp *gmail.ListMessagesResponse
	err := a.do(func() (err error) {
		resp, err = call.Do()
		return err
	}, "failed to list messages")
	if err != nil {
		return nil, err
	}

	emails := make([]*domain.Email, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		var msg *gmail.Message
		err := a.do(func() (err error) {
			msg, err = a.svc.Users.Messages.Get(a.userID, ref.Id).Format("full").Context(ctx).Do()
			return err
		}, "failed to get message "+ref.Id)
		if err != nil {
			return nil, err
		}
		emails = append(emails, convertGmailMessage(msg))
	}

	logger.Debug("[GmailAdapter.FetchEmails] Fetched %d messages", len(emails))
	return emails, nil
}

func convertGmailMessage(msg *gmail.Message) *domain.Email {
	email := &domain.Email{
		ProviderID: msg.Id,
		Status:     domain.EmailStatusRead,
		Labels:     msg.LabelIds,
	}
	if email.Labels == nil {
		email.Labels = []string{}
	}
	for _, l := range msg.LabelIds {
		if l == gmailLabelUnread {
			email.Status = domain.EmailStatusUnread
			break
		}
	}

	var dateHeader time.Time
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				email.Subject = h.Value
			case "From":
				email.SenderEmail = parseEmailAddress(h.Value)
			case "To":
				email.RecipientEmails = strings.Join(parseEmailAddresses(h.Value), ", ")
			case "Date":
				if t, err := mail.ParseDate(h.Value); err == nil {
					dateHeader = t
				}
			}
		}

		var body messageBody
		extractBody(msg.Payload, &body)
		email.Body = body.plainText()
	}

	switch {
	case msg.InternalDate > 0:
		email.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	case !dateHeader.IsZero():
		email.ReceivedAt = dateHeader.UTC()
	}

	return email
}

type messageBody struct {
	Text string
	HTML string
}

// plainText prefers the text/plain part and falls back to converted HTML.
func (b messageBody) plainText() string {
	if b.Text != "" {
		return b.Text
	}
	if b.HTML != "" {
		return html2text.HTML2Text(b.HTML)
	}
	return ""
}

func extractBody(part *gmail.MessagePart, body *messageBody) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		switch part.MimeType {
		case "text/plain":
			if body.Text == "" {
				body.Text = decodeBase64URL(part.Body.Data)
			}
		case "text/html":
			if body.HTML == "" {
				body.HTML = decodeBase64URL(part.Body.Data)
			}
		}
	}

	for _, p := range part.Parts {
		extractBody(p, body)
	}
}

func decodeBase64URL(s string) string {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(data)
	}
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(data)
	}
	return ""
}

func parseEmailAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return addr.Address
}

func parseEmailAddresses(s string) []string {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s = strings.TrimSpace(s); s != "" {
			return []string{s}
		}
		return nil
	}

	result := make([]string, len(list))
	for i, addr := range list {
		result[i] = addr.Address
	}
	return result
}

// =============================================================================
// Mutations
// =============================================================================

// MarkAsRead removes the UNREAD label.
func (a *GmailAdapter) MarkAsRead(ctx context.Context, providerID string) error {
	return a.modifyLabels(ctx, providerID, nil, []string{gmailLabelUnread})
}

// MarkAsUnread adds the UNREAD label.
func (a *GmailAdapter) MarkAsUnread(ctx context.Context, providerID string) error {
	return a.modifyLabels(ctx, providerID, []string{gmailLabelUnread}, nil)
}

// MoveToLabel applies label and takes the message out of the inbox. Label
// names are resolved to ids and created when missing.
func (a *GmailAdapter) MoveToLabel(ctx context.Context, providerID, label string) error {
	labelID, err := a.resolveLabel(ctx, label)
	if err != nil {
		return err
	}

	var remove []string
	if labelID != gmailLabelInbox {
		remove = []string{gmailLabelInbox}
	}
	return a.modifyLabels(ctx, providerID, []string{labelID}, remove)
}

func (a *GmailAdapter) modifyLabels(ctx context.Context, messageID string, addLabels, removeLabels []string) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}

	return a.do(func() error {
		_, err := a.svc.Users.Messages.Modify(a.userID, messageID, req).Context(ctx).Do()
		return err
	}, "failed to modify labels")
}

// =============================================================================
// Labels
// =============================================================================

func (a *GmailAdapter) resolveLabel(ctx context.Context, name string) (string, error) {
	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()

	if a.labels == nil {
		var resp *gmail.ListLabelsResponse
		err := a.do(func() (err error) {
			resp, err = a.svc.Users.Labels.List(a.userID).Context(ctx).Do()
			return err
		}, "failed to list labels")
		if err != nil {
			return "", err
		}
		a.labels = make(map[string]string, len(resp.Labels)*2)
		for _, l := range resp.Labels {
			a.labels[strings.ToLower(l.Name)] = l.Id
			a.labels[strings.ToLower(l.Id)] = l.Id
		}
	}

	if id, ok := a.labels[strings.ToLower(name)]; ok {
		return id, nil
	}

	var created *gmail.Label
	err := a.do(func() (err error) {
		created, err = a.svc.Users.Labels.Create(a.userID, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	}, "failed to create label "+name)
	if err != nil {
		return "", err
	}

	logger.Info("[GmailAdapter] Created label %q (%s)", name, created.Id)
	a.labels[strings.ToLower(created.Name)] = created.Id
	return created.Id, nil
}

// =============================================================================
// Errors
// =============================================================================

func wrapGmailError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			return out.NewProviderError("gmail", out.ProviderErrInvalidInput, "Bad request", err, false)
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrNetwork, defaultMsg, err, true)
}
