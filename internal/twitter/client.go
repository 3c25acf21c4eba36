// Package twitter is a typed client for the X API v2 endpoints the backend
// consumes: the user-identity lookup and the recent-posts listing. Token
// grants go through golang.org/x/oauth2 with the endpoint this package
// exports; everything here authenticates with a bearer access token.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/postmetric/backend/internal/apperr"
)

const (
	defaultBaseURL = "https://api.x.com"
	authURL        = "https://x.com/i/oauth2/authorize"
	tokenURLPath   = "/2/oauth2/token"

	// PageSize is the number of recent posts fetched per sync.
	PageSize = 10

	// tweetFields selects the post attributes the dashboard needs.
	tweetFields = "created_at,public_metrics"

	requestTimeout = 10 * time.Second
)

// Scopes are the authorization scopes requested on every link flow.
// offline.access is what makes the provider issue a refresh token.
var Scopes = []string{"tweet.read", "users.read", "offline.access"}

// Endpoint returns the oauth2 endpoint for the given API base URL. An empty
// base URL selects the production endpoints; tests point it at a local server.
func Endpoint(baseURL string) oauth2.Endpoint {
	if baseURL == "" {
		return oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  defaultBaseURL + tokenURLPath,
			AuthStyle: oauth2.AuthStyleInHeader,
		}
	}
	return oauth2.Endpoint{
		AuthURL:   baseURL + "/authorize",
		TokenURL:  baseURL + tokenURLPath,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}

// Client calls the X API v2 REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. baseURL overrides the production API host when
// non-empty (used by tests and the local dev stub).
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// User is the identity returned by GET /2/users/me.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// PublicMetrics is the engagement counter block on a post. Absent counters
// decode to zero.
type PublicMetrics struct {
	RetweetCount    int `json:"retweet_count"`
	ReplyCount      int `json:"reply_count"`
	LikeCount       int `json:"like_count"`
	ImpressionCount int `json:"impression_count"`
}

// Post is one item from GET /2/users/{id}/tweets.
type Post struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	CreatedAt     time.Time     `json:"created_at"`
	PublicMetrics PublicMetrics `json:"public_metrics"`
}

// userResponse is the envelope of the user-identity endpoint.
type userResponse struct {
	Data *User `json:"data"`
}

// postsResponse is the envelope of the posts-list endpoint.
type postsResponse struct {
	Data []Post `json:"data"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
}

// apiError is the X API error body shape (RFC 7807 style).
type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// Me fetches the authenticated account's public identity.
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	var resp userResponse
	if err := c.get(ctx, "/2/users/me", nil, accessToken, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return nil, apperr.New(apperr.KindUpstream, "provider returned no user identity")
	}
	return resp.Data, nil
}

// RecentPosts fetches up to PageSize of the account's most recent posts with
// engagement metrics. An empty list is a normal outcome.
func (c *Client) RecentPosts(ctx context.Context, accessToken, externalUserID string) ([]Post, error) {
	query := url.Values{}
	query.Set("max_results", fmt.Sprintf("%d", PageSize))
	query.Set("tweet.fields", tweetFields)

	var resp postsResponse
	path := fmt.Sprintf("/2/users/%s/tweets", url.PathEscape(externalUserID))
	if err := c.get(ctx, path, query, accessToken, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
// Non-2xx responses are classified into the error taxonomy.
func (c *Client) get(ctx context.Context, path string, query url.Values, accessToken string, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "provider request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "failed to read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindUpstream, "malformed provider response", err)
	}
	return nil
}

// classifyError maps a provider error response to the taxonomy. A 429 or a
// UsageCapExceeded body means the account's API credits are depleted, which
// needs different user messaging than a transient failure.
func classifyError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)

	if status == http.StatusTooManyRequests || e.Title == "UsageCapExceeded" {
		return apperr.Wrap(apperr.KindQuotaExceeded,
			"provider usage limit reached, try again later",
			fmt.Errorf("status %d: %s", status, body))
	}
	return apperr.Wrap(apperr.KindUpstream,
		"provider request failed",
		fmt.Errorf("status %d: %s", status, body))
}
