// Package users resolves identities against the identity service.
package users

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const defaultTimeout = 5 * time.Second

type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// HTTPLookup implements realtime.UserLookup with GET {baseURL}/users/{id}.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPLookup creates a lookup against baseURL. A nil client uses a client
// with a 5s timeout.
func NewHTTPLookup(baseURL string, client *http.Client, logger zerolog.Logger) (*HTTPLookup, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid identity service url %q: %w", baseURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "UserLookup").Logger(),
	}, nil
}

// FindByID returns nil, nil when the identity service has no such user.
func (l *HTTPLookup) FindByID(ctx context.Context, userID string) (*realtime.Identity, error) {
	endpoint := l.baseURL + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build user request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Error().Err(err).Str("user", userID).Msg("Identity service unreachable")
		return nil, fmt.Errorf("%w: user lookup: %v", realtime.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		l.logger.Error().Int("status", resp.StatusCode).Str("user", userID).Msg("Identity service returned an error")
		return nil, fmt.Errorf("%w: user lookup returned status %d", realtime.ErrTransport, resp.StatusCode)
	}

	var body userResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user: %v", realtime.ErrTransport, err)
	}
	if body.ID == "" {
		body.ID = userID
	}
	role := body.Role
	if role == "" {
		role = realtime.RoleUser
	}
	return &realtime.Identity{UserID: body.ID, DisplayName: body.DisplayName, Role: role}, nil
}
