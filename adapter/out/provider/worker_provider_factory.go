package provider

import (
	"context"
	"errors"
	"fmt"

	"rule_worker/config"
	"rule_worker/core/port/out"
	"rule_worker/pkg/apperr"

	"github.com/99designs/keyring"
	"google.golang.org/api/option"
)

const (
	gmailTokenKey         = "gmail-oauth-token"
	imapPasswordKeyPrefix = "imap-password:"
)

// =============================================================================
// Provider Factory
// =============================================================================

// MailProvider is an adapter offering both capabilities.
type MailProvider interface {
	out.MailFetcher
	out.MailMutator
}

// Factory creates the configured mail provider.
type Factory struct {
	cfg    *config.Config
	prompt AuthPrompt
	ring   keyring.Keyring
}

// NewFactory creates a new provider factory.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, prompt: StderrPrompt}
}

// WithPrompt replaces how the consent URL is shown.
func (f *Factory) WithPrompt(prompt AuthPrompt) *Factory {
	f.prompt = prompt
	return f
}

// WithKeyring injects an already opened keyring.
func (f *Factory) WithKeyring(ring keyring.Keyring) *Factory {
	f.ring = ring
	return f
}

// NewFetcher returns the ingestion capability of the configured provider.
func (f *Factory) NewFetcher(ctx context.Context) (out.MailFetcher, error) {
	return f.Create(ctx)
}

// NewMutator returns the mutation capability of the configured provider.
func (f *Factory) NewMutator(ctx context.Context) (out.MailMutator, error) {
	return f.Create(ctx)
}

// Create builds the provider selected by MAIL_PROVIDER.
func (f *Factory) Create(ctx context.Context) (MailProvider, error) {
	switch f.cfg.MailProvider {
	case config.ProviderGmail:
		return f.createGmail(ctx)
	case config.ProviderIMAP:
		return f.createIMAP()
	default:
		return nil, apperr.ConfigError(fmt.Sprintf("unsupported provider type: %s", f.cfg.MailProvider))
	}
}

func (f *Factory) createGmail(ctx context.Context) (*GmailAdapter, error) {
	oauthCfg, err := LoadOAuthConfig(f.cfg.GoogleCredentialsFile)
	if err != nil {
		return nil, err
	}

	store, err := f.tokenStore()
	if err != nil {
		return nil, err
	}

	ts, err := GmailTokenSource(ctx, oauthCfg, store, f.cfg.OAuthListenAddr, f.prompt)
	if err != nil {
		return nil, err
	}

	return NewGmailAdapter(ctx, GmailConfig{
		UserID:     f.cfg.GmailUserID,
		MaxResults: f.cfg.FetchMaxResults,
		Query:      f.cfg.FetchQuery,
	}, option.WithTokenSource(ts))
}

func (f *Factory) createIMAP() (*IMAPAdapter, error) {
	password := f.cfg.IMAPPassword
	if password == "" && f.cfg.TokenStore == config.TokenStoreKeyring {
		ring, err := f.keyring()
		if err != nil {
			return nil, err
		}
		item, err := ring.Get(imapPasswordKeyPrefix + f.cfg.IMAPUsername)
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, apperr.ExternalError("keyring", err)
		}
		password = string(item.Data)
	}
	if password == "" {
		return nil, apperr.Wrap(apperr.MissingField("IMAP_PASSWORD"), apperr.CodeConfigError,
			"imap password is not configured")
	}

	return NewIMAPAdapter(IMAPConfig{
		Host:       f.cfg.IMAPHost,
		Port:       f.cfg.IMAPPort,
		Username:   f.cfg.IMAPUsername,
		Password:   password,
		TLS:        f.cfg.IMAPTLS,
		Mailbox:    f.cfg.IMAPMailbox,
		MaxResults: f.cfg.FetchMaxResults,
	}), nil
}

func (f *Factory) tokenStore() (TokenStore, error) {
	if f.cfg.TokenStore != config.TokenStoreKeyring {
		return NewFileTokenStore(f.cfg.GoogleTokenFile), nil
	}
	ring, err := f.keyring()
	if err != nil {
		return nil, err
	}
	return NewKeyringTokenStore(ring, gmailTokenKey), nil
}

func (f *Factory) keyring() (keyring.Keyring, error) {
	if f.ring != nil {
		return f.ring, nil
	}
	ring, err := OpenKeyring(f.cfg.KeyringService)
	if err != nil {
		return nil, apperr.ExternalError("keyring", err)
	}
	f.ring = ring
	return ring, nil
}
