// Package remote is the client of the whimbox web API: login, token
// refresh, update metadata and script subscriptions.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// Secret names in the encrypted store.
const (
	SecretAccessToken  = "api.access_token"
	SecretRefreshToken = "api.refresh_token"
	SecretUser         = "api.user"
)

// User is the account returned by login.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	UID          string `json:"uid"`
	Avatar       string `json:"avatar"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// apiError is the error body the API returns.
type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e *apiError) text() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Client calls the whimbox API. Authenticated calls carry the stored
// access token; a 401 triggers one token refresh and one retry.
type Client struct {
	http    *resty.Client
	secrets domain.SecretStore
	logger  *zap.Logger

	refreshMu sync.Mutex
}

// NewClient creates a client for baseURL. Transport errors and 5xx
// responses are retried by a retryablehttp transport.
func NewClient(baseURL string, timeout time.Duration, secrets domain.SecretStore, logger *zap.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	r := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "whimbox-launcher")
	return NewClientWithResty(r, secrets, logger)
}

// NewClientWithResty creates a client over an injected resty client (for testing).
func NewClientWithResty(r *resty.Client, secrets domain.SecretStore, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: r, secrets: secrets, logger: logger}
}

// Login exchanges credentials for tokens and stores them.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	const op = "login"
	var user User
	if err := c.call(ctx, op, http.MethodPost, "/user/login", loginRequest{email, password}, &user, false); err != nil {
		return nil, err
	}
	if user.AccessToken == "" {
		return nil, domain.Errorf(domain.KindUnauthorized, op, "response carried no access token")
	}
	if err := c.storeTokens(user.AccessToken, user.RefreshToken); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	name := user.Username
	if name == "" {
		name = user.Email
	}
	if err := c.secrets.SetSecret(SecretUser, name); err != nil {
		c.logger.Warn("failed to store user name", zap.Error(err))
	}
	c.logger.Info("logged in", zap.String("user", name))
	return &user, nil
}

// Logout forgets the stored tokens.
func (c *Client) Logout() error {
	var errs []error
	for _, name := range []string{SecretAccessToken, SecretRefreshToken, SecretUser} {
		if err := c.secrets.DeleteSecret(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentUser returns the stored user name, empty when logged out.
func (c *Client) CurrentUser() string {
	if _, err := c.secrets.GetSecret(SecretAccessToken); err != nil {
		return ""
	}
	name, _ := c.secrets.GetSecret(SecretUser)
	return name
}

// Name identifies the client as an update source.
func (c *Client) Name() string {
	return "whimbox-api"
}

// Latest fetches the newest application release: {version, url, md5}.
func (c *Client) Latest(ctx context.Context) (*domain.UpdateDescriptor, error) {
	var desc domain.UpdateDescriptor
	if err := c.call(ctx, "check latest version", http.MethodGet, "/whimbox/latest", nil, &desc, true); err != nil {
		return nil, err
	}
	if desc.URL == "" {
		return nil, domain.Errorf(domain.KindNotFound, "check latest version", "response carried no download url")
	}
	return &desc, nil
}

// SubscribedScripts lists the scripts the account subscribes to.
func (c *Client) SubscribedScripts(ctx context.Context) ([]domain.SubscribedScript, error) {
	var scripts []domain.SubscribedScript
	if err := c.call(ctx, "list subscribed scripts", http.MethodGet, "/whimbox/scripts/all_subscribed", nil, &scripts, true); err != nil {
		return nil, err
	}
	return scripts, nil
}

// call performs one request, refreshing the access token once on 401.
func (c *Client) call(ctx context.Context, op, method, path string, body, result any, auth bool) error {
	resp, err := c.send(ctx, method, path, body, result, auth)
	if err != nil {
		return domain.E(domain.KindOf(err), op, err)
	}

	if resp.StatusCode() == http.StatusUnauthorized && auth {
		if rerr := c.refresh(ctx); rerr != nil {
			c.logger.Info("token refresh failed, clearing session", zap.Error(rerr))
			_ = c.Logout()
			return domain.Errorf(domain.KindUnauthorized, op, "login expired, please log in again")
		}
		resp, err = c.send(ctx, method, path, body, result, auth)
		if err != nil {
			return domain.E(domain.KindOf(err), op, err)
		}
	}
	return statusError(op, resp)
}

func (c *Client) send(ctx context.Context, method, path string, body, result any, auth bool) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetError(&apiError{})
	if result != nil {
		req.SetResult(result)
	}
	if body != nil {
		req.SetBody(body)
	}
	if auth {
		token, err := c.secrets.GetSecret(SecretAccessToken)
		if err != nil || token == "" {
			return nil, domain.Errorf(domain.KindUnauthorized, "", "not logged in")
		}
		req.SetAuthToken(token)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

// refresh swaps the refresh token for a new access token. Concurrent
// callers wait for the refresh already in flight.
func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	refreshToken, err := c.secrets.GetSecret(SecretRefreshToken)
	if err != nil || refreshToken == "" {
		return errors.New("no refresh token")
	}

	var out refreshResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(refreshRequest{Refresh: refreshToken}).
		SetResult(&out).
		Post("/token/refresh")
	if err != nil {
		return transportError(err)
	}
	if !resp.IsSuccess() || out.Access == "" {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode())
	}
	if out.Refresh == "" {
		out.Refresh = refreshToken
	}
	return c.storeTokens(out.Access, out.Refresh)
}

func (c *Client) storeTokens(access, refresh string) error {
	if err := c.secrets.SetSecret(SecretAccessToken, access); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if refresh == "" {
		return nil
	}
	if err := c.secrets.SetSecret(SecretRefreshToken, refresh); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// statusError maps a finished response to a tagged error, nil on 2xx.
func statusError(op string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	msg := fmt.Sprintf("request failed (%d)", resp.StatusCode())
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr.text() != "" {
		msg = apiErr.text()
	}

	kind := domain.KindNetwork
	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		kind = domain.KindUnauthorized
	case http.StatusForbidden:
		kind = domain.KindForbidden
	case http.StatusNotFound:
		kind = domain.KindNotFound
	}
	return domain.Errorf(kind, op, "%s", msg)
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.Errorf(domain.KindTimeout, "", "request timed out, check the network connection: %v", err)
	}
	return domain.E(domain.KindNetwork, "", err)
}

var _ domain.UpdateSource = (*Client)(nil)
