// Package clientauth authenticates OAuth clients at the token endpoint:
// private_key_jwt assertions, HTTP Basic credentials and form-body
// credentials, in that priority order.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authz-engine/oauth-core/internal/storage"
)

const (
	// AssertionTypeJWTBearer is the client_assertion_type for
	// private_key_jwt authentication (RFC 7523).
	AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// assertionMaxTTL bounds how far in the future an assertion may expire.
	assertionMaxTTL = 10 * time.Minute
)

// Method records how a client proved its identity.
type Method string

const (
	MethodPrivateKeyJWT Method = "private_key_jwt"
	MethodBasic         Method = "client_secret_basic"
	MethodPost          Method = "client_secret_post"
	MethodNone          Method = "none" // public client, identified only
)

var (
	// ErrInvalidClient covers unknown clients, bad credentials, expired
	// secrets and inactive registrations. Deliberately coarse so callers
	// cannot probe which part failed.
	ErrInvalidClient = errors.New("client authentication failed")

	// ErrNoCredentials is returned when the request carries no usable
	// client credentials at all.
	ErrNoCredentials = errors.New("no client credentials presented")
)

// Authenticator verifies client credentials against the repository.
type Authenticator struct {
	repo   storage.Repository
	logger *zap.Logger

	// issuerURL is the externally visible token endpoint base, used as the
	// expected assertion audience when the request lacks forwarding headers.
	issuerURL string

	mu        sync.Mutex
	providers map[string]*JWKSProvider // jwks_uri -> provider
}

// NewAuthenticator creates a client authenticator.
func NewAuthenticator(repo storage.Repository, issuerURL string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		repo:      repo,
		logger:    logger,
		issuerURL: strings.TrimRight(issuerURL, "/"),
		providers: make(map[string]*JWKSProvider),
	}
}

// Result is an authenticated (or identified) client.
type Result struct {
	Client *storage.Client
	Method Method
}

// Authenticate extracts and verifies client credentials from a token
// endpoint request. The form must already be parsed.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if r.PostFormValue("client_assertion_type") != AssertionTypeJWTBearer {
			return nil, fmt.Errorf("%w: unsupported client_assertion_type", ErrInvalidClient)
		}
		return a.authenticateAssertion(ctx, r, assertion)
	}

	if clientID, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: credentials in the Basic header are
		// form-urlencoded before base64.
		id, err := url.QueryUnescape(clientID)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed basic credentials", ErrInvalidClient)
		}
		sec, err := url.QueryUnescape(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed basic credentials", ErrInvalidClient)
		}
		return a.authenticateSecret(ctx, id, sec, MethodBasic)
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		return nil, ErrNoCredentials
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		return a.authenticateSecret(ctx, clientID, secret, MethodPost)
	}

	// Bare client_id: acceptable only for public clients, which prove
	// possession through PKCE instead of a secret.
	client, err := a.lookupActive(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.IsPublic() {
		return nil, fmt.Errorf("%w: confidential client must authenticate", ErrInvalidClient)
	}
	return &Result{Client: client, Method: MethodNone}, nil
}

func (a *Authenticator) authenticateSecret(ctx context.Context, clientID, secret string, method Method) (*Result, error) {
	client, err := a.lookupActive(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		// A public client has no secret; presenting one is a
		// misconfigured or impersonating caller.
		return nil, fmt.Errorf("%w: public client must not send a secret", ErrInvalidClient)
	}
	if client.SecretHash == "" {
		return nil, fmt.Errorf("%w: client has no secret configured", ErrInvalidClient)
	}
	if client.SecretExpiresAt != nil && time.Now().After(*client.SecretExpiresAt) {
		return nil, fmt.Errorf("%w: client secret expired", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: secret mismatch", ErrInvalidClient)
	}
	return &Result{Client: client, Method: method}, nil
}

// assertionClaims is the claim set of a private_key_jwt assertion.
type assertionClaims struct {
	jwtlib.RegisteredClaims
}

func (a *Authenticator) authenticateAssertion(ctx context.Context, r *http.Request, assertion string) (*Result, error) {
	// The issuer identifies the client; read it without verification
	// first so the right JWKS can be selected.
	unverified := &assertionClaims{}
	parser := jwtlib.NewParser(jwtlib.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(assertion, unverified); err != nil {
		return nil, fmt.Errorf("%w: malformed assertion", ErrInvalidClient)
	}
	clientID := unverified.Issuer
	if clientID == "" || clientID != unverified.Subject {
		return nil, fmt.Errorf("%w: assertion iss and sub must both be the client id", ErrInvalidClient)
	}
	if formID := r.PostFormValue("client_id"); formID != "" && formID != clientID {
		return nil, fmt.Errorf("%w: client_id does not match assertion issuer", ErrInvalidClient)
	}

	client, err := a.lookupActive(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.JWKSURI == "" {
		return nil, fmt.Errorf("%w: client has no jwks_uri registered", ErrInvalidClient)
	}

	provider, err := a.providerFor(client.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClient, err)
	}

	claims := &assertionClaims{}
	_, err = jwtlib.ParseWithClaims(assertion, claims,
		func(t *jwtlib.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return provider.GetKey(kid)
		},
		jwtlib.WithValidMethods([]string{"RS256", "ES256", "PS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: assertion verification failed", ErrInvalidClient)
	}

	if err := a.validateAssertionClaims(ctx, r, claims, clientID); err != nil {
		return nil, err
	}
	return &Result{Client: client, Method: MethodPrivateKeyJWT}, nil
}

func (a *Authenticator) validateAssertionClaims(ctx context.Context, r *http.Request, claims *assertionClaims, clientID string) error {
	if claims.Issuer != clientID || claims.Subject != clientID {
		return fmt.Errorf("%w: assertion iss/sub mismatch", ErrInvalidClient)
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: assertion missing exp", ErrInvalidClient)
	}
	if time.Until(claims.ExpiresAt.Time) > assertionMaxTTL {
		return fmt.Errorf("%w: assertion lifetime too long", ErrInvalidClient)
	}

	want := a.tokenEndpointURL(r)
	if !audienceMatches(claims.Audience, want, a.issuerURL) {
		return fmt.Errorf("%w: assertion audience mismatch", ErrInvalidClient)
	}

	if claims.ID == "" {
		return fmt.Errorf("%w: assertion missing jti", ErrInvalidClient)
	}
	replayed, err := a.repo.IsJTIBlacklisted(ctx, "assert:"+claims.ID)
	if err != nil {
		a.logger.Warn("assertion replay check failed", zap.Error(err))
	} else if replayed {
		return fmt.Errorf("%w: assertion replayed", ErrInvalidClient)
	}
	if err := a.repo.BlacklistJTI(ctx, "assert:"+claims.ID, claims.ExpiresAt.Time); err != nil {
		a.logger.Warn("assertion jti record failed", zap.Error(err))
	}
	return nil
}

// tokenEndpointURL reconstructs the externally visible token endpoint URL,
// honouring proxy forwarding headers.
func (a *Authenticator) tokenEndpointURL(r *http.Request) string {
	scheme := "https"
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return scheme + "://" + host + r.URL.Path
}

func audienceMatches(aud jwtlib.ClaimStrings, endpointURL, issuerURL string) bool {
	for _, got := range aud {
		got = strings.TrimRight(got, "/")
		if got == strings.TrimRight(endpointURL, "/") {
			return true
		}
		// The bare issuer and its token endpoint are both accepted.
		if issuerURL != "" && (got == issuerURL || got == issuerURL+"/oauth/token") {
			return true
		}
	}
	return false
}

func (a *Authenticator) providerFor(jwksURI string) (*JWKSProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.providers[jwksURI]; ok {
		return p, nil
	}
	p, err := NewJWKSProvider(jwksURI, time.Hour)
	if err != nil {
		return nil, err
	}
	a.providers[jwksURI] = p
	return p, nil
}

func (a *Authenticator) lookupActive(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := a.repo.FindClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, fmt.Errorf("look up client: %w", err)
	}
	if !client.IsActive {
		return nil, fmt.Errorf("%w: client deactivated", ErrInvalidClient)
	}
	return client, nil
}
