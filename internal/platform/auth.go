package platform

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adorevd/prreview/internal/errorkind"
)

// AuthProvider produces the Authorization header value to attach to every
// outbound Azure DevOps request.
type AuthProvider interface {
	AuthHeader(ctx context.Context) (string, error)
}

// PATAuthProvider implements Basic auth with a personal access token, the
// way Azure DevOps expects it: the username half of the pair is empty.
type PATAuthProvider struct {
	pat string
}

// NewPATAuthProvider returns an AuthProvider for the given personal access
// token.
func NewPATAuthProvider(pat string) *PATAuthProvider {
	return &PATAuthProvider{pat: pat}
}

func (p *PATAuthProvider) AuthHeader(ctx context.Context) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(":" + p.pat))
	return "Basic " + encoded, nil
}

// cachedAADToken holds a cached Azure AD access token with its expiry.
type cachedAADToken struct {
	token   string
	expires time.Time
}

// AADAuthProvider obtains Azure AD access tokens via the client-credentials
// grant with a JWT client assertion signed by a service principal's
// certificate, caching the resulting bearer token and refreshing it when
// within 5 minutes of expiry. Thread-safe.
type AADAuthProvider struct {
	tenantID string
	clientID string
	key      *rsa.PrivateKey
	scope    string

	// httpClient and tokenEndpoint are overridable for testing.
	httpClient   *http.Client
	tokenEndpoint string

	mu    sync.Mutex
	token *cachedAADToken
}

// NewAADAuthProvider builds an AADAuthProvider from a PEM-encoded private
// key belonging to the service principal's registered certificate.
func NewAADAuthProvider(tenantID, clientID, pemData, scope string) (*AADAuthProvider, error) {
	key, err := parsePrivateKey([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("parse AAD client certificate key: %w", err)
	}
	return &AADAuthProvider{
		tenantID:   tenantID,
		clientID:   clientID,
		key:        key,
		scope:      scope,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *AADAuthProvider) AuthHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != nil && time.Now().Before(p.token.expires.Add(-5*time.Minute)) {
		return "Bearer " + p.token.token, nil
	}

	assertion, err := p.signAssertion()
	if err != nil {
		return "", errorkind.Wrap(errorkind.Permanent, fmt.Errorf("sign AAD client assertion: %w", err))
	}

	token, expires, err := p.exchangeToken(ctx, assertion)
	if err != nil {
		return "", err
	}

	p.token = &cachedAADToken{token: token, expires: expires}
	return "Bearer " + token, nil
}

func (p *AADAuthProvider) tokenURL() string {
	if p.tokenEndpoint != "" {
		return p.tokenEndpoint
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", p.tenantID)
}

// signAssertion creates an RS256-signed JWT client assertion per the Azure
// AD certificate-credential flow: iss/sub are the client ID, aud is the
// token endpoint.
func (p *AADAuthProvider) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.clientID,
		"sub": p.clientID,
		"aud": p.tokenURL(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"jti": base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", now.UnixNano()))),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.key)
}

type aadTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *AADAuthProvider) exchangeToken(ctx context.Context, assertion string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("scope", p.scope)
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, errorkind.Wrap(errorkind.Permanent, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, errorkind.Wrap(errorkind.Transient, fmt.Errorf("AAD token exchange: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, errorkind.Wrap(ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("AAD token exchange failed: %d %s", resp.StatusCode, body))
	}

	var parsed aadTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode AAD token response: %w", err))
	}

	return parsed.AccessToken, time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second), nil
}

// parsePrivateKey supports both PKCS1 and PKCS8 PEM-encoded RSA keys.
func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}
