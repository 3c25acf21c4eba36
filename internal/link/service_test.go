package link

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/postmetric/backend/internal/apperr"
	"github.com/postmetric/backend/internal/crypto"
	"github.com/postmetric/backend/internal/model"
	"github.com/postmetric/backend/internal/pkce"
	"github.com/postmetric/backend/internal/store"
	"github.com/postmetric/backend/internal/twitter"
)

const testCallback = "https://app.example.com/auth/callback"

// fakeProvider stands in for the X token and user-identity endpoints.
type fakeProvider struct {
	srv *httptest.Server

	tokenCalls   int64
	refreshCalls int64

	// Captured from the last token-endpoint request.
	lastGrantType    string
	lastCodeVerifier string
	lastRedirectURI  string

	// Response knobs.
	refreshToken    string // refresh_token in token responses; empty omits it
	tokenStatusCode int    // non-zero forces an error response
}

func newFakeProvider() *fakeProvider {
	p := &fakeProvider{refreshToken: "refresh-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", p.handleToken)
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"id":"9001","name":"Alice","username":"alice"}}`)
	})
	p.srv = httptest.NewServer(mux)
	return p
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&p.tokenCalls, 1)

	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
		return
	}

	r.ParseForm()
	p.lastGrantType = r.PostForm.Get("grant_type")
	p.lastCodeVerifier = r.PostForm.Get("code_verifier")
	p.lastRedirectURI = r.PostForm.Get("redirect_uri")

	if p.tokenStatusCode != 0 {
		w.WriteHeader(p.tokenStatusCode)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
		return
	}

	access := "access-1"
	if p.lastGrantType == "refresh_token" {
		atomic.AddInt64(&p.refreshCalls, 1)
		access = "access-2"
	}

	w.Header().Set("Content-Type", "application/json")
	if p.refreshToken == "" {
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":7200}`, access)
		return
	}
	fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"token_type":"bearer","expires_in":7200}`, access, p.refreshToken)
}

func testService(p *fakeProvider) (*Service, *store.Store) {
	st := store.New(nil, "pending", "users", "content")
	conf := &oauth2.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		Endpoint:     twitter.Endpoint(p.srv.URL),
		Scopes:       twitter.Scopes,
	}
	svc := NewService(conf, st, twitter.NewClient(p.srv.URL), crypto.NewMockEncryptor())
	return svc, st
}

func TestInitiate_BuildsAuthorizationURL(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	authURL, err := svc.Initiate(ctx, "u1", testCallback)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("Auth URL does not parse: %v", err)
	}
	q := u.Query()

	pending, err := st.GetPending(ctx, "u1")
	if err != nil {
		t.Fatalf("Expected pending record: %v", err)
	}

	if q.Get("client_id") != "test-client-id" {
		t.Errorf("Expected client_id in URL, got %q", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("Expected response_type=code, got %q", q.Get("response_type"))
	}
	if q.Get("state") != pending.State {
		t.Errorf("URL state %q does not match stored state %q", q.Get("state"), pending.State)
	}
	if q.Get("code_challenge") != pkce.Challenge(pending.CodeVerifier) {
		t.Error("URL code_challenge does not derive from the stored verifier")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("Expected S256 challenge method, got %q", q.Get("code_challenge_method"))
	}
	if q.Get("redirect_uri") != testCallback {
		t.Errorf("Expected redirect_uri %q, got %q", testCallback, q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "offline.access") {
		t.Errorf("Expected offline.access scope, got %q", q.Get("scope"))
	}

	// Initiation is purely local.
	if p.tokenCalls != 0 {
		t.Errorf("Expected no provider calls during initiate, got %d", p.tokenCalls)
	}
}

func TestInitiate_Unauthenticated(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, _ := testService(p)

	_, err := svc.Initiate(context.Background(), "", testCallback)
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("Expected KindUnauthenticated, got %v", err)
	}
}

func TestInitiate_ReplacesPriorFlow(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	svc.Initiate(ctx, "u1", testCallback)
	first, _ := st.GetPending(ctx, "u1")

	svc.Initiate(ctx, "u1", testCallback)
	second, _ := st.GetPending(ctx, "u1")

	if first.State == second.State {
		t.Error("Expected a fresh state per initiation")
	}

	// The first flow's state can no longer complete.
	_, err := svc.Exchange(ctx, "u1", "code-abc", first.State, testCallback)
	if apperr.KindOf(err) != apperr.KindSecurityViolation {
		t.Errorf("Expected KindSecurityViolation for a superseded state, got %v", err)
	}
}

func TestExchange_LinksAccount(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	if _, err := svc.Initiate(ctx, "u1", testCallback); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	pending, _ := st.GetPending(ctx, "u1")

	username, err := svc.Exchange(ctx, "u1", "code-abc123", pending.State, testCallback)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if username != "alice" {
		t.Errorf("Expected username 'alice', got %q", username)
	}

	// The exchange proved possession of the original request.
	if p.lastGrantType != "authorization_code" {
		t.Errorf("Expected authorization_code grant, got %q", p.lastGrantType)
	}
	if p.lastCodeVerifier != pending.CodeVerifier {
		t.Error("Expected the stored code verifier to be sent to the token endpoint")
	}
	if p.lastRedirectURI != testCallback {
		t.Errorf("Expected redirect_uri %q, got %q", testCallback, p.lastRedirectURI)
	}

	la, err := st.GetLinkedAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("Expected linked account: %v", err)
	}
	if !la.Connected || la.ExternalUserID != "9001" || la.ExternalUsername != "alice" {
		t.Errorf("Unexpected linked account: %+v", la)
	}
	if la.EncryptedAccess != "mock:access-1" || la.EncryptedRefresh != "mock:refresh-1" {
		t.Errorf("Expected encrypted tokens at rest, got access=%q refresh=%q", la.EncryptedAccess, la.EncryptedRefresh)
	}
	if !la.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected a future expiry, got %v", la.ExpiresAt)
	}

	// The pending record is single use.
	if _, err := st.GetPending(ctx, "u1"); err == nil {
		t.Error("Expected pending record to be consumed")
	}
}

func TestExchange_MissingArguments(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, _ := testService(p)
	ctx := context.Background()

	if _, err := svc.Exchange(ctx, "u1", "", "state", testCallback); apperr.KindOf(err) != apperr.KindInvalidArgument {
		t.Errorf("Expected KindInvalidArgument for missing code, got %v", err)
	}
	if _, err := svc.Exchange(ctx, "u1", "code", "", testCallback); apperr.KindOf(err) != apperr.KindInvalidArgument {
		t.Errorf("Expected KindInvalidArgument for missing state, got %v", err)
	}
}

func TestExchange_NoPendingFlow(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, _ := testService(p)

	_, err := svc.Exchange(context.Background(), "u1", "code", "state", testCallback)
	if apperr.KindOf(err) != apperr.KindFailedPrecondition {
		t.Errorf("Expected KindFailedPrecondition, got %v", err)
	}
}

func TestExchange_StateMismatch(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	svc.Initiate(ctx, "u1", testCallback)

	_, err := svc.Exchange(ctx, "u1", "code-abc", "forged-state", testCallback)
	if apperr.KindOf(err) != apperr.KindSecurityViolation {
		t.Fatalf("Expected KindSecurityViolation, got %v", err)
	}

	// The gate is before any network call, and nothing was written.
	if p.tokenCalls != 0 {
		t.Errorf("Expected no provider calls after state mismatch, got %d", p.tokenCalls)
	}
	if _, err := st.GetLinkedAccount(ctx, "u1"); err == nil {
		t.Error("Expected no credential write after state mismatch")
	}
}

func TestExchange_SecondCallFails(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	svc.Initiate(ctx, "u1", testCallback)
	pending, _ := st.GetPending(ctx, "u1")

	if _, err := svc.Exchange(ctx, "u1", "code-abc", pending.State, testCallback); err != nil {
		t.Fatalf("First exchange failed: %v", err)
	}

	_, err := svc.Exchange(ctx, "u1", "code-abc", pending.State, testCallback)
	if apperr.KindOf(err) != apperr.KindFailedPrecondition {
		t.Errorf("Expected KindFailedPrecondition on replay, got %v", err)
	}
}

func TestExchange_UpstreamFailure(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	p.tokenStatusCode = http.StatusBadRequest
	svc, st := testService(p)
	ctx := context.Background()

	svc.Initiate(ctx, "u1", testCallback)
	pending, _ := st.GetPending(ctx, "u1")

	_, err := svc.Exchange(ctx, "u1", "bad-code", pending.State, testCallback)
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("Expected KindUpstream, got %v", err)
	}
	if _, err := st.GetLinkedAccount(ctx, "u1"); err == nil {
		t.Error("Expected no credential write after upstream failure")
	}
}

func TestValidAccessToken_NotConnected(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, _ := testService(p)

	_, err := svc.ValidAccessToken(context.Background(), "u1")
	if apperr.KindOf(err) != apperr.KindFailedPrecondition {
		t.Errorf("Expected KindFailedPrecondition, got %v", err)
	}
}

func TestValidAccessToken_StillValid(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true,
		EncryptedAccess:  "mock:live-access",
		EncryptedRefresh: "mock:refresh-1",
		ExpiresAt:        time.Now().Add(time.Hour),
	})

	token, err := svc.ValidAccessToken(ctx, "u1")
	if err != nil {
		t.Fatalf("ValidAccessToken failed: %v", err)
	}
	if token != "live-access" {
		t.Errorf("Expected stored token, got %q", token)
	}
	if p.refreshCalls != 0 {
		t.Errorf("Expected no refresh for a live token, got %d", p.refreshCalls)
	}
}

func TestValidAccessToken_RefreshesExpired(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	p.refreshToken = "refresh-2"
	svc, st := testService(p)
	ctx := context.Background()

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true,
		EncryptedAccess:  "mock:stale-access",
		EncryptedRefresh: "mock:refresh-1",
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	token, err := svc.ValidAccessToken(ctx, "u1")
	if err != nil {
		t.Fatalf("ValidAccessToken failed: %v", err)
	}
	if token != "access-2" {
		t.Errorf("Expected refreshed token, got %q", token)
	}
	if p.refreshCalls != 1 {
		t.Errorf("Expected exactly one refresh call, got %d", p.refreshCalls)
	}

	la, _ := st.GetLinkedAccount(ctx, "u1")
	if la.EncryptedAccess != "mock:access-2" {
		t.Errorf("Expected rotated access token stored, got %q", la.EncryptedAccess)
	}
	if la.EncryptedRefresh != "mock:refresh-2" {
		t.Errorf("Expected rotated refresh token stored, got %q", la.EncryptedRefresh)
	}
	if !la.ExpiresAt.After(time.Now()) {
		t.Errorf("Expected a future expiry after refresh, got %v", la.ExpiresAt)
	}
}

func TestValidAccessToken_PreservesRefreshTokenWhenNotRotated(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	p.refreshToken = "" // provider omits refresh_token on refresh
	svc, st := testService(p)
	ctx := context.Background()

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true,
		EncryptedAccess:  "mock:stale-access",
		EncryptedRefresh: "mock:refresh-1",
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	if _, err := svc.ValidAccessToken(ctx, "u1"); err != nil {
		t.Fatalf("ValidAccessToken failed: %v", err)
	}

	la, _ := st.GetLinkedAccount(ctx, "u1")
	if la.EncryptedRefresh != "mock:refresh-1" {
		t.Errorf("Expected previous refresh token preserved, got %q", la.EncryptedRefresh)
	}
}

func TestValidAccessToken_RefreshFailure(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	p.tokenStatusCode = http.StatusBadRequest
	svc, st := testService(p)
	ctx := context.Background()

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true,
		EncryptedAccess:  "mock:stale-access",
		EncryptedRefresh: "mock:revoked-refresh",
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	_, err := svc.ValidAccessToken(ctx, "u1")
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("Expected KindUpstream for a revoked refresh token, got %v", err)
	}

	// The stale credential is left as-is; reconnecting is the caller's move.
	la, _ := st.GetLinkedAccount(ctx, "u1")
	if la.EncryptedAccess != "mock:stale-access" {
		t.Errorf("Expected credential unchanged after refresh failure, got %q", la.EncryptedAccess)
	}
}

func TestGetStatus(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	status, err := svc.GetStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Connected {
		t.Error("Expected unlinked status for an unknown user")
	}

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true, ExternalUsername: "alice",
		EncryptedAccess: "mock:a", EncryptedRefresh: "mock:r",
		ExpiresAt: time.Now().Add(time.Hour), ConnectedAt: time.Now(),
	})

	status, err = svc.GetStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Connected || status.Username != "alice" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

// countingTransport records how many requests pass through it.
type countingTransport struct {
	calls int64
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&c.calls, 1)
	return http.DefaultTransport.RoundTrip(req)
}

func TestExchange_TokenGrantUsesBoundedClient(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	if svc.httpClient.Timeout <= 0 {
		t.Fatalf("Expected a bounded grant client timeout, got %v", svc.httpClient.Timeout)
	}
	counter := &countingTransport{}
	svc.httpClient.Transport = counter

	if _, err := svc.Initiate(ctx, "u1", testCallback); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	pending, _ := st.GetPending(ctx, "u1")

	if _, err := svc.Exchange(ctx, "u1", "code-abc", pending.State, testCallback); err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if atomic.LoadInt64(&counter.calls) == 0 {
		t.Error("Expected the token exchange to go through the service's client")
	}
}

func TestValidAccessToken_RefreshUsesBoundedClient(t *testing.T) {
	p := newFakeProvider()
	defer p.srv.Close()
	svc, st := testService(p)
	ctx := context.Background()

	counter := &countingTransport{}
	svc.httpClient.Transport = counter

	st.PutLinkedAccount(ctx, model.LinkedAccount{
		UserID: "u1", Connected: true,
		EncryptedAccess:  "mock:stale-access",
		EncryptedRefresh: "mock:refresh-1",
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	if _, err := svc.ValidAccessToken(ctx, "u1"); err != nil {
		t.Fatalf("ValidAccessToken failed: %v", err)
	}
	if atomic.LoadInt64(&counter.calls) == 0 {
		t.Error("Expected the refresh grant to go through the service's client")
	}
}
