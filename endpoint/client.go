package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const tenantListAPIVersion = "2019-11-01"

// flexString decodes a JSON value that AAD serves sometimes as a string and
// sometimes as a number (expires_on, expires_in, interval).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// TokenResponse is the body of a token-grant answer. Error is set for both
// protocol failures and the interaction_required signal; the engine decides
// which is which.
type TokenResponse struct {
	Error            string     `json:"error"`
	ErrorDescription string     `json:"error_description"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	ExpiresOn        flexString `json:"expires_on"`
	ExpiresIn        flexString `json:"expires_in"`
}

// ExpiresOnString returns expires_on as the raw string the cache persists.
func (r *TokenResponse) ExpiresOnString() string {
	return string(r.ExpiresOn)
}

// DeviceCodeResponse is the body of a device-code start answer.
type DeviceCodeResponse struct {
	DeviceCode      string     `json:"device_code"`
	UserCode        string     `json:"user_code"`
	VerificationURL string     `json:"verification_url"`
	Message         string     `json:"message"`
	Interval        flexString `json:"interval"`
	ExpiresIn       flexString `json:"expires_in"`
}

// IntervalSeconds returns the polling interval, or 0 when unparsable.
func (r *DeviceCodeResponse) IntervalSeconds() int {
	n, err := strconv.Atoi(string(r.Interval))
	if err != nil {
		return 0
	}
	return n
}

// ExpiresInSeconds returns the code lifetime, or 0 when unparsable.
func (r *DeviceCodeResponse) ExpiresInSeconds() int {
	n, err := strconv.Atoi(string(r.ExpiresIn))
	if err != nil {
		return 0
	}
	return n
}

// TenantEntry is one element of the ARM tenant listing.
type TenantEntry struct {
	TenantID       string `json:"tenantId"`
	DisplayName    string `json:"displayName"`
	TenantCategory string `json:"tenantCategory"`
}

// Client talks to the AAD login endpoint and the ARM tenant listing.
type Client struct {
	http          *http.Client
	loginEndpoint string
	clientID      string
	logger        *zap.Logger
}

// NewClient builds a Client. loginEndpoint must end with a slash, e.g.
// "https://login.microsoftonline.com/". A nil httpClient falls back to a
// 30-second-timeout default; a nil logger falls back to a nop logger.
func NewClient(httpClient *http.Client, loginEndpoint, clientID string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:          httpClient,
		loginEndpoint: loginEndpoint,
		clientID:      clientID,
		logger:        logger,
	}
}

// LoginEndpoint returns the configured AAD login base URL.
func (c *Client) LoginEndpoint() string {
	return c.loginEndpoint
}

// ClientID returns the configured application client id.
func (c *Client) ClientID() string {
	return c.clientID
}

// TokenGrant POSTs form-encoded grant parameters to
// {loginEndpoint}{tenantId}/oauth2/token. Non-2xx statuses are not errors;
// only transport failures and undecodable bodies are.
func (c *Client) TokenGrant(ctx context.Context, tenantID string, form url.Values) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.postForm(ctx, c.loginEndpoint+tenantID+"/oauth2/token", form, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		c.logger.Debug("token grant returned error",
			zap.String("tenant", tenantID),
			zap.String("error", resp.Error))
	}
	return &resp, nil
}

// DeviceCodeStart POSTs to {loginEndpoint}{tenantId}/oauth2/devicecode and
// returns the user code to surface and the device code to poll with.
func (c *Client) DeviceCodeStart(ctx context.Context, tenantID, resourceURI string) (*DeviceCodeResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("resource", resourceURI)

	var resp DeviceCodeResponse
	if err := c.postForm(ctx, c.loginEndpoint+tenantID+"/oauth2/devicecode", form, &resp); err != nil {
		return nil, err
	}
	if resp.DeviceCode == "" {
		return nil, fmt.Errorf("device code endpoint returned no device code")
	}
	return &resp, nil
}

// ListTenants GETs {managementURI}/tenants?api-version=... with the given
// bearer token and returns the raw entries.
func (c *Client) ListTenants(ctx context.Context, managementURI, bearer string) ([]TenantEntry, error) {
	uri := strings.TrimRight(managementURI, "/") + "/tenants?api-version=" + tenantListAPIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create tenant list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenant list request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("tenant list failed with status %d", httpResp.StatusCode)
	}

	var body struct {
		Value []TenantEntry `json:"value"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tenant list response: %w", err)
	}
	return body.Value, nil
}

func (c *Client) postForm(ctx context.Context, uri string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer httpResp.Body.Close()

	// Status validation is disabled on purpose: AAD reports grant failures
	// in the body, and the engine reads the error field.
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	return nil
}
