package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"rule_worker/config"
	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/apperr"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Boss <boss@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Meeting schedule\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html version</p>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain version\r\n" +
	"--XYZ--\r\n"

const htmlOnlyMessage = "From: news@example.com\r\n" +
	"Subject: Digest\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<h1>Weekly</h1><p>digest body</p>\r\n"

func TestParseMIMEBody(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		contains string
		excludes string
	}{
		{"prefers plain text", multipartMessage, "plain version", "html version"},
		{"converts html only", htmlOnlyMessage, "digest body", "<p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := parseMIMEBody([]byte(tt.raw))
			assert.Contains(t, body, tt.contains)
			assert.NotContains(t, body, tt.excludes)
		})
	}
}

func TestIMAPAdapter_ConvertMessage(t *testing.T) {
	a := NewIMAPAdapter(IMAPConfig{Host: "imap.example.com"})
	received := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)

	buf := &imapclient.FetchMessageBuffer{
		UID:          42,
		Flags:        []imap.Flag{imap.FlagSeen, imap.FlagFlagged},
		InternalDate: received,
		Envelope: &imap.Envelope{
			Subject: "=?UTF-8?Q?Meeting_schedule?=",
			From:    []imap.Address{{Name: "Boss", Mailbox: "boss", Host: "example.com"}},
			To: []imap.Address{
				{Mailbox: "me", Host: "example.com"},
				{Mailbox: "team", Host: "example.com"},
			},
		},
	}

	email := a.convertMessage(buf, []byte(multipartMessage))
	assert.Equal(t, "42", email.ProviderID)
	assert.Equal(t, "Meeting schedule", email.Subject)
	assert.Equal(t, "boss@example.com", email.SenderEmail)
	assert.Equal(t, "me@example.com, team@example.com", email.RecipientEmails)
	assert.Equal(t, domain.EmailStatusRead, email.Status)
	assert.Equal(t, []string{"INBOX", `\Seen`, `\Flagged`}, email.Labels)
	assert.Equal(t, received, email.ReceivedAt)
	assert.Equal(t, "plain version", strings.TrimSpace(email.Body))

	unread := a.convertMessage(&imapclient.FetchMessageBuffer{UID: 7}, nil)
	assert.Equal(t, domain.EmailStatusUnread, unread.Status)
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID("124")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(124), uid)

	for _, bad := range []string{"", "abc", "0", "-1", "99999999999"} {
		_, err := parseUID(bad)
		assert.True(t, out.IsProviderError(err, out.ProviderErrInvalidInput), bad)
	}
}

func TestIMAPAdapter_InvalidIDNeverDials(t *testing.T) {
	a := NewIMAPAdapter(IMAPConfig{Host: "127.0.0.1", Port: 1})

	err := a.MoveToLabel(context.Background(), "not-a-uid", "Archive")
	assert.True(t, out.IsProviderError(err, out.ProviderErrInvalidInput))
}

func TestIMAPAdapter_CancelledContextNeverDials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan struct{}, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- struct{}{}
			_ = conn.Close()
		}
	}()

	a := NewIMAPAdapter(IMAPConfig{
		Host: "127.0.0.1",
		Port: ln.Addr().(*net.TCPAddr).Port,
		TLS:  true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.FetchEmails(ctx)
	assert.True(t, out.IsProviderError(err, out.ProviderErrNetwork))
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, ln.Close())
	select {
	case <-accepted:
		t.Fatal("connection opened with a cancelled context")
	default:
	}
}

func TestNeedsMailboxCreate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"trycreate", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "no such mailbox"}, true},
		{"nonexistent", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent}, true},
		{"wrapped", fmt.Errorf("move: %w", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate}), true},
		{"other response code", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeOverQuota}, false},
		{"no response code", &imap.Error{Type: imap.StatusResponseTypeBad, Text: "syntax error"}, false},
		{"network failure", errors.New("connection reset by peer"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsMailboxCreate(tt.err))
		})
	}
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"utf-8", "=?UTF-8?Q?Meeting_schedule?=", "Meeting schedule"},
		{"iso-8859-1", "=?ISO-8859-1?Q?caf=E9?=", "café"},
		{"windows-1251", "=?windows-1251?B?z/Do4uXy?=", "Привет"},
		{"plain text", "Quarterly report", "Quarterly report"},
		{"unknown charset kept", "=?x-no-such-charset?Q?abc?=", "=?x-no-such-charset?Q?abc?="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeHeader(tt.in))
		})
	}
}

func TestFactory_Create(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		cfg := config.Default()
		cfg.MailProvider = "pop3"

		_, err := NewFactory(cfg).Create(context.Background())
		assert.True(t, apperr.IsConfigError(err))
	})

	t.Run("gmail without credentials file", func(t *testing.T) {
		cfg := config.Default()
		cfg.GoogleCredentialsFile = "/nonexistent/credentials.json"

		_, err := NewFactory(cfg).NewFetcher(context.Background())
		assert.True(t, apperr.IsConfigError(err))
	})

	t.Run("imap password from keyring", func(t *testing.T) {
		cfg := config.Default()
		cfg.MailProvider = config.ProviderIMAP
		cfg.IMAPHost = "imap.example.com"
		cfg.IMAPUsername = "me@example.com"
		cfg.TokenStore = config.TokenStoreKeyring

		ring := keyring.NewArrayKeyring([]keyring.Item{
			{Key: imapPasswordKeyPrefix + "me@example.com", Data: []byte("hunter2")},
		})
		p, err := NewFactory(cfg).WithKeyring(ring).NewMutator(context.Background())
		require.NoError(t, err)

		adapter, ok := p.(*IMAPAdapter)
		require.True(t, ok)
		assert.Equal(t, "hunter2", adapter.cfg.Password)
		assert.Equal(t, "INBOX", adapter.cfg.Mailbox)
	})

	t.Run("keyring failure", func(t *testing.T) {
		cfg := config.Default()
		cfg.MailProvider = config.ProviderIMAP
		cfg.IMAPHost = "imap.example.com"
		cfg.IMAPUsername = "me@example.com"
		cfg.TokenStore = config.TokenStoreKeyring

		locked := errors.New("keyring is locked")
		_, err := NewFactory(cfg).WithKeyring(failingKeyring{err: locked}).Create(context.Background())
		require.Error(t, err)
		assert.True(t, apperr.IsCode(err, apperr.CodeExternalError))
		assert.False(t, apperr.IsConfigError(err))
		assert.ErrorIs(t, err, locked)
	})

	t.Run("imap without password", func(t *testing.T) {
		cfg := config.Default()
		cfg.MailProvider = config.ProviderIMAP
		cfg.IMAPHost = "imap.example.com"
		cfg.IMAPUsername = "me@example.com"

		_, err := NewFactory(cfg).Create(context.Background())
		assert.True(t, apperr.IsConfigError(err))
	})
}

type failingKeyring struct {
	keyring.Keyring
	err error
}

func (k failingKeyring) Get(string) (keyring.Item, error) {
	return keyring.Item{}, k.err
}
