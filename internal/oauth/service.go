package oauth

import (
	"context"

	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/authcode"
	"github.com/authz-engine/oauth-core/internal/clientauth"
	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/refresh"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// Recorder receives audit entries for terminal grant outcomes. Satisfied by
// the audit logger; nil disables auditing.
type Recorder interface {
	Record(ctx context.Context, entry *storage.AuditEntry)
}

// Service wires the grant flow collaborators behind the HTTP endpoints.
type Service struct {
	repo          storage.Repository
	authenticator *clientauth.Authenticator
	codes         *authcode.Store
	rotator       *refresh.Rotator
	engine        *jwt.Engine
	scopes        *scope.Resolver
	audit         Recorder
	logger        *zap.Logger

	issuerURL string

	// OnGrant, when set, observes every terminal token endpoint outcome:
	// grant type and either "success" or the error code.
	OnGrant func(grantType, outcome string)

	// OnRevoke, when set, observes every completed revocation request.
	OnRevoke func()
}

// Config assembles a Service.
type Config struct {
	Repo          storage.Repository
	Authenticator *clientauth.Authenticator
	Codes         *authcode.Store
	Rotator       *refresh.Rotator
	Engine        *jwt.Engine
	Scopes        *scope.Resolver
	Audit         Recorder
	Logger        *zap.Logger
	IssuerURL     string
}

// NewService creates the grant orchestrator.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          cfg.Repo,
		authenticator: cfg.Authenticator,
		codes:         cfg.Codes,
		rotator:       cfg.Rotator,
		engine:        cfg.Engine,
		scopes:        cfg.Scopes,
		audit:         cfg.Audit,
		logger:        logger,
		issuerURL:     cfg.IssuerURL,
	}
}

// Engine exposes the token engine for the bearer-auth middleware.
func (s *Service) Engine() *jwt.Engine { return s.engine }

// Repo exposes the repository for the middleware and userinfo handler.
func (s *Service) Repo() storage.Repository { return s.repo }

// IssuerURL returns the configured issuer base URL.
func (s *Service) IssuerURL() string { return s.issuerURL }

func (s *Service) observe(grantType, outcome string) {
	if s.OnGrant != nil {
		s.OnGrant(grantType, outcome)
	}
}

func (s *Service) record(ctx context.Context, entry *storage.AuditEntry) {
	if s.audit != nil {
		s.audit.Record(ctx, entry)
	}
}
