// Package link implements the account-linking flow: building the provider
// authorization URL, exchanging the callback code for tokens, and keeping the
// stored access token valid for API calls.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/postmetric/backend/internal/apperr"
	"github.com/postmetric/backend/internal/crypto"
	"github.com/postmetric/backend/internal/model"
	"github.com/postmetric/backend/internal/pkce"
	"github.com/postmetric/backend/internal/store"
	"github.com/postmetric/backend/internal/twitter"
)

const grantTimeout = 10 * time.Second

// Service drives the authorization-code flow and token refresh for one
// provider. The oauth2 config is injected; there is no process-wide state.
type Service struct {
	oauthConfig *oauth2.Config
	store       *store.Store
	api         *twitter.Client
	encryptor   crypto.Encryptor
	httpClient  *http.Client
}

// NewService creates a Service. The oauthConfig carries client credentials,
// endpoints, and scopes; callers construct it from configuration.
func NewService(oauthConfig *oauth2.Config, st *store.Store, api *twitter.Client, encryptor crypto.Encryptor) *Service {
	return &Service{
		oauthConfig: oauthConfig,
		store:       st,
		api:         api,
		encryptor:   encryptor,
		httpClient:  &http.Client{Timeout: grantTimeout},
	}
}

// grantContext routes the oauth2 token-endpoint calls through the service's
// own timeout-bearing client instead of http.DefaultClient, so a hung token
// endpoint cannot hang an exchange or refresh.
func (s *Service) grantContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// Initiate starts a link flow: it generates a PKCE pair and a state nonce,
// persists them for the user (replacing any earlier pending flow), and
// returns the provider authorization URL to redirect the user to.
// No network call happens here.
func (s *Service) Initiate(ctx context.Context, userID, callbackURL string) (string, error) {
	if userID == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "user must be authenticated")
	}

	verifier, challenge, err := pkce.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE pair: %w", err)
	}
	state, err := pkce.State()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	err = s.store.PutPending(ctx, model.PendingAuthorization{
		UserID:       userID,
		CodeVerifier: verifier,
		State:        state,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist pending authorization: %w", err)
	}

	authURL := s.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", callbackURL),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, nil
}

// Exchange completes a link flow with the code and state returned on the
// callback. The state comparison and the pending-record lookup are a hard
// gate before any provider call. On success the user's linked-account
// credential is replaced and the external username returned.
func (s *Service) Exchange(ctx context.Context, userID, code, returnedState, callbackURL string) (string, error) {
	if userID == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "user must be authenticated")
	}
	if code == "" || returnedState == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "missing code or state")
	}

	pending, err := s.store.GetPending(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.New(apperr.KindFailedPrecondition, "state not found, restart the link flow")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load pending authorization: %w", err)
	}

	if returnedState != pending.State {
		return "", apperr.New(apperr.KindSecurityViolation, "state mismatch")
	}

	token, err := s.oauthConfig.Exchange(s.grantContext(ctx), code,
		oauth2.VerifierOption(pending.CodeVerifier),
		oauth2.SetAuthURLParam("redirect_uri", callbackURL),
	)
	if err != nil {
		return "", upstreamTokenError("token exchange failed", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" || token.Expiry.IsZero() {
		return "", apperr.New(apperr.KindUpstream, "provider returned an incomplete token response")
	}

	identity, err := s.api.Me(ctx, token.AccessToken)
	if err != nil {
		return "", err
	}

	// Consuming the pending record before the credential write makes it
	// single-use: of two racing flows, only the one whose state survived
	// gets to write.
	if err := s.store.ConsumePending(ctx, userID, pending.State); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.New(apperr.KindFailedPrecondition, "link flow superseded, restart the link flow")
		}
		return "", fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	encAccess, err := s.encryptor.Encrypt(ctx, token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.encryptor.Encrypt(ctx, token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	err = s.store.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID:           userID,
		Connected:        true,
		ExternalUserID:   identity.ID,
		ExternalUsername: identity.Username,
		EncryptedAccess:  encAccess,
		EncryptedRefresh: encRefresh,
		ExpiresAt:        token.Expiry,
		ConnectedAt:      time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save linked account: %w", err)
	}

	return identity.Username, nil
}

// ValidAccessToken returns an access token that is valid at the instant of
// return, refreshing the stored credential first when it has expired.
// A refresh failure means the user has to reconnect; callers must not retry
// it in a loop.
func (s *Service) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	la, err := s.linkedAccount(ctx, userID)
	if err != nil {
		return "", err
	}

	accessToken, err := s.encryptor.Decrypt(ctx, la.EncryptedAccess)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if time.Now().Before(la.ExpiresAt) {
		return accessToken, nil
	}

	refreshToken, err := s.encryptor.Decrypt(ctx, la.EncryptedRefresh)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token, err := s.oauthConfig.TokenSource(s.grantContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", upstreamTokenError("token refresh failed", err)
	}

	// The provider may rotate the refresh token; when it does not, keep the
	// previous one instead of overwriting it with nothing.
	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	encAccess, err := s.encryptor.Encrypt(ctx, token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.encryptor.Encrypt(ctx, newRefresh)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if err := s.store.UpdateTokens(ctx, userID, encAccess, encRefresh, token.Expiry); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	return token.AccessToken, nil
}

// ExternalUserID returns the linked account's identity on the provider.
func (s *Service) ExternalUserID(ctx context.Context, userID string) (string, error) {
	la, err := s.linkedAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	return la.ExternalUserID, nil
}

// Status describes a linked account for the dashboard. It never carries
// token material.
type Status struct {
	Connected       bool      `json:"connected"`
	Username        string    `json:"username,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastContentSync time.Time `json:"last_content_sync,omitempty"`
}

// GetStatus reports whether the user has a linked account and its public
// identity. An unlinked user is a normal answer, not an error.
func (s *Service) GetStatus(ctx context.Context, userID string) (*Status, error) {
	la, err := s.store.GetLinkedAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{Connected: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load linked account: %w", err)
	}
	return &Status{
		Connected:       la.Connected,
		Username:        la.ExternalUsername,
		ConnectedAt:     la.ConnectedAt,
		LastContentSync: la.LastContentSync,
	}, nil
}

// linkedAccount loads the credential and enforces the connected gate.
func (s *Service) linkedAccount(ctx context.Context, userID string) (*model.LinkedAccount, error) {
	la, err := s.store.GetLinkedAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindFailedPrecondition, "account not connected")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load linked account: %w", err)
	}
	if !la.Connected {
		return nil, apperr.New(apperr.KindFailedPrecondition, "account not connected")
	}
	return la, nil
}

// upstreamTokenError classifies a token-endpoint failure. The provider's
// status and body are preserved in the cause for logging; the caller-facing
// message stays generic.
func upstreamTokenError(message string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		cause := fmt.Errorf("status %d: %s", re.Response.StatusCode, re.Body)
		if re.Response.StatusCode == http.StatusTooManyRequests {
			return apperr.Wrap(apperr.KindQuotaExceeded, "provider usage limit reached, try again later", cause)
		}
		return apperr.Wrap(apperr.KindUpstream, message, cause)
	}
	return apperr.Wrap(apperr.KindUpstream, message, err)
}
