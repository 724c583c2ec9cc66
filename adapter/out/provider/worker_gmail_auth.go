package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"rule_worker/pkg/apperr"
	"rule_worker/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// =============================================================================
// Gmail OAuth (installed application flow)
// =============================================================================

// LoadOAuthConfig reads the installed-app client secrets downloaded from the
// Google console. The worker needs read plus label modification.
func LoadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigError, "unable to read client secret file")
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailModifyScope)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigError, "unable to parse client secret file to config")
	}
	return cfg, nil
}

// AuthPrompt shows the consent URL to the operator.
type AuthPrompt func(authURL string) error

// StderrPrompt prints the consent URL on stderr.
func StderrPrompt(authURL string) error {
	_, err := fmt.Fprintf(os.Stderr, "Open the following link in your browser to authorize access:\n%s\n", authURL)
	return err
}

// GmailTokenSource returns a refreshing token source backed by store. When no
// token is stored yet it runs the consent flow with a loopback redirect on
// listenAddr.
func GmailTokenSource(ctx context.Context, cfg *oauth2.Config, store TokenStore, listenAddr string, prompt AuthPrompt) (oauth2.TokenSource, error) {
	tok, err := store.Load()
	switch {
	case errors.Is(err, ErrTokenNotFound):
		logger.Info("[GmailAuth] No stored token, starting consent flow")
		tok, err = AuthorizeLoopback(ctx, cfg, listenAddr, prompt)
		if err != nil {
			return nil, err
		}
		if err := store.Save(tok); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	return newPersistingTokenSource(cfg.TokenSource(ctx, tok), store, tok), nil
}

type authResult struct {
	code string
	err  error
}

// AuthorizeLoopback runs the authorization code flow with PKCE, receiving the
// code on a temporary local HTTP listener.
func AuthorizeLoopback(ctx context.Context, cfg *oauth2.Config, listenAddr string, prompt AuthPrompt) (*oauth2.Token, error) {
	if prompt == nil {
		prompt = StderrPrompt
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}

	conf := *cfg
	conf.RedirectURL = "http://" + ln.Addr().String() + "/"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	results := make(chan authResult, 1)

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			var res authResult
			switch {
			case q.Get("state") != state:
				res.err = errors.New("oauth callback state mismatch")
			case q.Get("error") != "":
				res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
			case q.Get("code") == "":
				res.err = errors.New("oauth callback without code")
			default:
				res.code = q.Get("code")
			}

			if res.err != nil {
				http.Error(w, res.err.Error(), http.StatusBadRequest)
			} else {
				fmt.Fprintln(w, "Authorization complete. You can close this window.")
			}
			select {
			case results <- res:
			default:
			}
		}),
	}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if err := prompt(authURL); err != nil {
		return nil, fmt.Errorf("show consent url: %w", err)
	}

	var res authResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return tok, nil
}
