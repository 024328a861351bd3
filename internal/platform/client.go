// Package platform is the HTTP client for the assembly governance
// platform.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"assembly/client/internal/session"
)

// HTTPError carries the platform's error envelope for a non-2xx
// response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform: unexpected status %d", e.StatusCode)
}

// Proposal is a governance proposal as listed by the platform.
type Proposal struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	VoteDeadline time.Time `json:"voteDeadline"`
}

// VoteTally is the running count for one proposal.
type VoteTally struct {
	ProposalID string `json:"proposalId"`
	For        int    `json:"for"`
	Against    int    `json:"against"`
	Abstain    int    `json:"abstain"`
	Quorum     bool   `json:"quorum"`
}

// KYCStatus is the member's verification state.
type KYCStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Client talks to the platform API. The cookie jar carries the SSO
// session cookie across calls.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for baseURL. timeout bounds each request;
// <= 0 selects 30s.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// doJSON performs one request and decodes the JSON response into out.
// No retries here; the pollers own retry policy.
func (c *Client) doJSON(ctx context.Context, method, path, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			httpErr.Code = envelope.Error.Code
			httpErr.Message = envelope.Error.Message
		}
		return httpErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Proposals lists governance proposals visible to the member.
func (c *Client) Proposals(ctx context.Context, accessToken string) ([]Proposal, error) {
	var out []Proposal
	if err := c.doJSON(ctx, http.MethodGet, "/api/proposals", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tally fetches the running vote count for one proposal.
func (c *Client) Tally(ctx context.Context, accessToken, proposalID string) (VoteTally, error) {
	var out VoteTally
	path := "/api/proposals/" + url.PathEscape(proposalID) + "/tally"
	if err := c.doJSON(ctx, http.MethodGet, path, accessToken, nil, &out); err != nil {
		return VoteTally{}, err
	}
	return out, nil
}

// KYCStatus fetches the member's verification state.
func (c *Client) KYCStatus(ctx context.Context, accessToken string) (KYCStatus, error) {
	var out KYCStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/kyc/status", accessToken, nil, &out); err != nil {
		return KYCStatus{}, err
	}
	return out, nil
}

// MemberProfile fetches the member behind an access token.
func (c *Client) MemberProfile(ctx context.Context, accessToken string) (session.Identity, error) {
	var out session.Identity
	if err := c.doJSON(ctx, http.MethodGet, "/api/members/me", accessToken, nil, &out); err != nil {
		return session.Identity{}, err
	}
	return out, nil
}

// SSOSession exchanges the cookie session for the member identity and
// a short-lived access token.
func (c *Client) SSOSession(ctx context.Context) (session.Identity, string, error) {
	var out struct {
		Identity    session.Identity `json:"identity"`
		AccessToken string           `json:"accessToken"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/session", "", nil, &out); err != nil {
		return session.Identity{}, "", err
	}
	return out.Identity, out.AccessToken, nil
}

// Refresh rotates the token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.TokenPair, session.Identity, error) {
	var out struct {
		Tokens   session.TokenPair `json:"tokens"`
		Identity session.Identity  `json:"identity"`
	}
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/refresh", "", body, &out); err != nil {
		return session.TokenPair{}, session.Identity{}, err
	}
	return out.Tokens, out.Identity, nil
}
