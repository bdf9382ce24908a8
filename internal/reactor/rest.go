package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RestConnectOptions configure the token and service discovery endpoints
// and an optional HTTP proxy.
type RestConnectOptions struct {
	TokenURL     string
	DiscoveryURL string
	Timeout      time.Duration

	ProxyHost     string
	ProxyPort     int
	ProxyUserName string
	ProxyDomain   string

	proxyPassword    string
	hasProxyPassword bool
}

// SetProxyPassword records the proxy password. An empty password leaves
// the password unset, so no credentials are offered to the proxy.
func (o *RestConnectOptions) SetProxyPassword(password string) {
	o.proxyPassword = password
	o.hasProxyPassword = true
	if password == "" {
		// TODO: confirm whether an explicitly empty proxy password should
		// be sent; it is treated as unset for now.
		o.hasProxyPassword = false
	}
}

// ProxyPassword returns the password and whether one is set.
func (o *RestConnectOptions) ProxyPassword() (string, bool) {
	return o.proxyPassword, o.hasProxyPassword
}

func (o *RestConnectOptions) hasProxy() bool {
	return strings.TrimSpace(o.ProxyHost) != "" && o.ProxyPort > 0
}

func (o *RestConnectOptions) proxyURL() *url.URL {
	u := &url.URL{Scheme: "http", Host: net.JoinHostPort(o.ProxyHost, strconv.Itoa(o.ProxyPort))}
	if o.ProxyUserName == "" {
		return u
	}
	user := o.ProxyUserName
	if o.ProxyDomain != "" {
		user = o.ProxyDomain + `\` + user
	}
	if pw, ok := o.ProxyPassword(); ok {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	return u
}

// TokenRequest is a password grant.
type TokenRequest struct {
	ClientID            string
	Username            string
	Password            string
	Scope               string
	TakeExclusiveSignOn bool
}

type TokenInfo struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in,string"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// DiscoveryRequest filters the endpoints a discovery service returns.
type DiscoveryRequest struct {
	Transport  string
	DataFormat string
}

type Endpoint struct {
	Endpoint   string   `json:"endpoint"`
	Port       int      `json:"port"`
	Provider   string   `json:"provider"`
	Transport  string   `json:"transport"`
	Location   []string `json:"location"`
	DataFormat []string `json:"dataFormat"`
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Endpoint, strconv.Itoa(e.Port))
}

// TokenClient obtains access tokens. It runs on the worker goroutine.
type TokenClient interface {
	RequestToken(ctx context.Context, opts RestConnectOptions, req TokenRequest) (TokenInfo, error)
}

// ServiceDiscovery lists connectable endpoints. It runs on the worker
// goroutine.
type ServiceDiscovery interface {
	Discover(ctx context.Context, opts RestConnectOptions, token TokenInfo, req DiscoveryRequest) ([]Endpoint, error)
}

// HTTPRestClient implements TokenClient and ServiceDiscovery over HTTP.
type HTTPRestClient struct{}

func (c HTTPRestClient) httpClient(opts RestConnectOptions) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.hasProxy() {
		tr.Proxy = http.ProxyURL(opts.proxyURL())
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func (c HTTPRestClient) RequestToken(ctx context.Context, opts RestConnectOptions, req TokenRequest) (TokenInfo, error) {
	if strings.TrimSpace(opts.TokenURL) == "" {
		return TokenInfo{}, fmt.Errorf("%w: token url required", ErrTokenRequest)
	}
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", req.Username)
	form.Set("password", req.Password)
	form.Set("client_id", req.ClientID)
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	form.Set("takeExclusiveSignOnControl", strconv.FormatBool(req.TakeExclusiveSignOn))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenInfo{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	var out TokenInfo
	if err := c.do(opts, httpReq, &out, ErrTokenRequest); err != nil {
		return TokenInfo{}, err
	}
	log.Debug().Str("url", opts.TokenURL).Int("expires_in", out.ExpiresIn).Msg("token received")
	return out, nil
}

func (c HTTPRestClient) Discover(ctx context.Context, opts RestConnectOptions, token TokenInfo, req DiscoveryRequest) ([]Endpoint, error) {
	if strings.TrimSpace(opts.DiscoveryURL) == "" {
		return nil, fmt.Errorf("%w: discovery url required", ErrDiscovery)
	}
	u, err := url.Parse(opts.DiscoveryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	q := u.Query()
	if req.Transport != "" {
		q.Set("transport", req.Transport)
	}
	if req.DataFormat != "" {
		q.Set("dataformat", req.DataFormat)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if token.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	var out struct {
		Services []Endpoint `json:"services"`
	}
	if err := c.do(opts, httpReq, &out, ErrDiscovery); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func (c HTTPRestClient) do(opts RestConnectOptions, req *http.Request, out any, kind error) error {
	resp, err := c.httpClient(opts).Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", kind, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", kind, err)
	}
	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return fmt.Errorf("%w: %s", ErrProxyAuthRequired, resp.Header.Get("Proxy-Authenticate"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: status=%d body=%q", kind, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", kind, err)
	}
	return nil
}
