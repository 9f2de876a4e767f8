package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jmerrifield20/linkdeal/internal/identity"
)

// DefaultConnection is the database connection password users are created in.
const DefaultConnection = "Username-Password-Authentication"

// Config holds management API credentials.
type Config struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Connection   string
	// RoleIDs maps LinkDeal role names to provider role ids.
	RoleIDs map[string]string
	Timeout time.Duration

	// BaseURL and TokenURL override the tenant URLs derived from Domain.
	BaseURL  string
	TokenURL string
}

// MetricsRecorder is an optional callback invoked after every management call.
type MetricsRecorder func(op string, success bool)

// Client talks to the identity provider's management API. The management
// token is obtained with a client-credentials grant and reused until it expires.
type Client struct {
	baseURL    string
	httpClient *http.Client
	connection string
	roleIDs    map[string]string
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewClient creates a management API client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	domain := strings.TrimSuffix(strings.TrimPrefix(cfg.Domain, "https://"), "/")
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if domain == "" {
			return nil, errors.New("idp client: domain is required")
		}
		base = "https://" + domain
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = base + "/oauth/token"
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("idp client: client id and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Connection == "" {
		cfg.Connection = DefaultConnection
	}

	cc := &clientcredentials.Config{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		TokenURL:       tokenURL,
		EndpointParams: url.Values{"audience": {base + "/api/v2/"}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		connection: cfg.Connection,
		roleIDs:    cfg.RoleIDs,
		logger:     logger,
	}, nil
}

// SetMetricsRecorder configures the metrics callback.
func (c *Client) SetMetricsRecorder(fn MetricsRecorder) {
	c.onMetrics = fn
}

// CreateUser creates a user in the configured database connection.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	body := map[string]any{
		"connection":     c.connection,
		"email":          req.Email,
		"password":       req.Password,
		"email_verified": req.EmailVerified,
		"verify_email":   false,
	}
	if req.Name != "" {
		body["name"] = req.Name
	}
	if len(req.AppMetadata) > 0 {
		body["app_metadata"] = req.AppMetadata
	}

	var u User
	if err := c.do(ctx, "create_user", http.MethodPost, "/api/v2/users", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by external id ("provider|id").
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := c.do(ctx, "get_user", http.MethodGet, "/api/v2/users/"+url.PathEscape(userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser applies a partial update.
func (c *Client) UpdateUser(ctx context.Context, userID string, upd UserUpdate) error {
	body := map[string]any{}
	if upd.EmailVerified != nil {
		body["email_verified"] = *upd.EmailVerified
	}
	if upd.Password != "" {
		body["password"] = upd.Password
		body["connection"] = c.connection
	}
	if upd.Name != "" {
		body["name"] = upd.Name
	}
	if len(upd.AppMetadata) > 0 {
		body["app_metadata"] = upd.AppMetadata
	}
	if len(body) == 0 {
		return nil
	}
	return c.do(ctx, "update_user", http.MethodPatch, "/api/v2/users/"+url.PathEscape(userID), body, nil)
}

// UpdateAppMetadata merges md into the user's app_metadata.
func (c *Client) UpdateAppMetadata(ctx context.Context, userID string, md map[string]any) error {
	return c.UpdateUser(ctx, userID, UserUpdate{AppMetadata: md})
}

// AssignRole grants the provider role mapped to role. Roles without a
// configured id are skipped; app_metadata stays the source of the role claim.
func (c *Client) AssignRole(ctx context.Context, userID, role string) error {
	roleID := c.roleIDs[role]
	if roleID == "" {
		c.logger.Debug("no provider role id configured, skipping role assignment",
			zap.String("role", role),
		)
		return nil
	}
	body := map[string]any{"roles": []string{roleID}}
	return c.do(ctx, "assign_role", http.MethodPost, "/api/v2/users/"+url.PathEscape(userID)+"/roles", body, nil)
}

// LinkIdentity attaches secondaryID ("provider|id") to the primary user.
// The primary keeps its id; tokens for either login resolve to it afterwards.
func (c *Client) LinkIdentity(ctx context.Context, primaryID, secondaryID string) error {
	provider, id := identity.SplitSubject(secondaryID)
	if provider == "" {
		return &ExternalServiceError{Op: "link_identity", Err: fmt.Errorf("invalid secondary identity %q", secondaryID)}
	}
	body := map[string]any{"provider": provider, "user_id": id}
	return c.do(ctx, "link_identity", http.MethodPost, "/api/v2/users/"+url.PathEscape(primaryID)+"/identities", body, nil)
}

// DeleteUser removes the user at the provider.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.do(ctx, "delete_user", http.MethodDelete, "/api/v2/users/"+url.PathEscape(userID), nil, nil)
}

// do executes a management API call and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	defer func() {
		if c.onMetrics != nil {
			c.onMetrics(op, err == nil)
		}
	}()

	var body io.Reader
	if in != nil {
		buf, mErr := json.Marshal(in)
		if mErr != nil {
			return &ExternalServiceError{Op: op, Err: fmt.Errorf("encode request: %w", mErr)}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &ExternalServiceError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ExternalServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ExternalServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ext := &ExternalServiceError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		c.logger.Warn("identity provider call failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
		)
		return ext
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ExternalServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
