package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// querier abstracts *sql.DB and *sql.Tx so the same queries serve both the
// top-level repository and its transaction-bound view.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepository implements Repository backed by PostgreSQL via lib/pq.
type PostgresRepository struct {
	db *sql.DB
	q  querier
}

// NewPostgresRepository creates a PostgreSQL-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, q: db}
}

func (r *PostgresRepository) FindClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	return r.scanClient(r.q.QueryRowContext(ctx, clientQuery+` WHERE client_id = $1`, clientID))
}

func (r *PostgresRepository) FindClientByID(ctx context.Context, id string) (*Client, error) {
	return r.scanClient(r.q.QueryRowContext(ctx, clientQuery+` WHERE id = $1`, id))
}

const clientQuery = `
	SELECT id, client_id, client_type, secret_hash, secret_expires_at,
	       redirect_uris, allowed_scopes, grant_types, jwks_uri,
	       require_pkce, is_active, access_token_ttl_seconds,
	       refresh_token_ttl_seconds, created_at
	FROM oauth_clients`

func (r *PostgresRepository) scanClient(row *sql.Row) (*Client, error) {
	c := &Client{}
	var (
		secretHash    sql.NullString
		secretExpires sql.NullTime
		jwksURI       sql.NullString
		accessTTL     sql.NullInt64
		refreshTTL    sql.NullInt64
		redirectURIs  pq.StringArray
		allowedScopes pq.StringArray
		grantTypes    pq.StringArray
	)

	err := row.Scan(
		&c.ID, &c.ClientID, &c.Type, &secretHash, &secretExpires,
		&redirectURIs, &allowedScopes, &grantTypes, &jwksURI,
		&c.RequirePKCE, &c.IsActive, &accessTTL, &refreshTTL, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query oauth client: %w", err)
	}

	c.SecretHash = secretHash.String
	if secretExpires.Valid {
		t := secretExpires.Time
		c.SecretExpiresAt = &t
	}
	c.JWKSURI = jwksURI.String
	c.RedirectURIs = redirectURIs
	c.AllowedScopes = allowedScopes
	c.GrantTypes = grantTypes
	if accessTTL.Valid {
		c.AccessTokenTTL = time.Duration(accessTTL.Int64) * time.Second
	}
	if refreshTTL.Valid {
		c.RefreshTokenTTL = time.Duration(refreshTTL.Int64) * time.Second
	}
	return c, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, email, email_verified, username, given_name, family_name, is_active
		FROM users
		WHERE id = $1
	`
	u := &User{}
	var username, given, family sql.NullString
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.EmailVerified, &username, &given, &family, &u.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Username = username.String
	u.GivenName = given.String
	u.FamilyName = family.String
	return u, nil
}

func (r *PostgresRepository) FindActiveScopes(ctx context.Context, names []string) ([]*Scope, error) {
	query := `
		SELECT name, is_public, is_active
		FROM scopes
		WHERE name = ANY($1) AND is_active = TRUE
	`
	rows, err := r.q.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*Scope
	for rows.Next() {
		s := &Scope{}
		if err := rows.Scan(&s.Name, &s.IsPublic, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func (r *PostgresRepository) GetUserEffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT permission
		FROM user_permissions
		WHERE user_id = $1
	`
	rows, err := r.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *PostgresRepository) CreateAuthCode(ctx context.Context, code *AuthorizationCode) error {
	query := `
		INSERT INTO authorization_codes (
			code, client_id, user_id, redirect_uri, scope,
			code_challenge, challenge_method, nonce, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, query,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, pq.Array(code.Scope),
		code.CodeChallenge, code.ChallengeMethod, code.Nonce, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	query := `
		SELECT code, client_id, user_id, redirect_uri, scope,
		       code_challenge, challenge_method, nonce, expires_at, consumed_at, created_at
		FROM authorization_codes
		WHERE code = $1
	`
	c := &AuthorizationCode{}
	var scope pq.StringArray
	var consumedAt sql.NullTime
	err := r.q.QueryRowContext(ctx, query, code).Scan(
		&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &scope,
		&c.CodeChallenge, &c.ChallengeMethod, &c.Nonce, &c.ExpiresAt, &consumedAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query authorization code: %w", err)
	}
	c.Scope = scope
	if consumedAt.Valid {
		t := consumedAt.Time
		c.ConsumedAt = &t
	}
	return c, nil
}

// ConsumeAuthCode relies on the conditional UPDATE so concurrent redemptions
// see exactly one winner.
func (r *PostgresRepository) ConsumeAuthCode(ctx context.Context, code string, at time.Time) error {
	query := `
		UPDATE authorization_codes
		SET consumed_at = $2
		WHERE code = $1 AND consumed_at IS NULL
	`
	result, err := r.q.ExecContext(ctx, query, code, at)
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	if rows == 0 {
		// Distinguish "missing" from "already consumed".
		if _, ferr := r.FindAuthCode(ctx, code); errors.Is(ferr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrCodeConsumed
	}
	return nil
}

func (r *PostgresRepository) DeleteAuthCode(ctx context.Context, code string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RevokeTokensIssuedForCode(ctx context.Context, code string) ([]*AccessToken, []*RefreshToken, error) {
	accessQuery := `
		UPDATE access_tokens
		SET revoked = TRUE
		WHERE auth_code = $1 AND revoked = FALSE
		RETURNING id, token_hash, jti, client_id, user_id, scope, expires_at, auth_code, created_at
	`
	rows, err := r.q.QueryContext(ctx, accessQuery, code)
	if err != nil {
		return nil, nil, fmt.Errorf("revoke access tokens for code: %w", err)
	}
	access, err := collectAccessTokens(rows)
	if err != nil {
		return nil, nil, err
	}

	refreshQuery := `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = NOW()
		WHERE auth_code = $1 AND revoked = FALSE
		RETURNING id, token_hash, jti, client_id, user_id, scope, expires_at,
		          previous_token_id, replaced_by_token_id, auth_code, created_at
	`
	rrows, err := r.q.QueryContext(ctx, refreshQuery, code)
	if err != nil {
		return nil, nil, fmt.Errorf("revoke refresh tokens for code: %w", err)
	}
	refresh, err := collectRefreshTokens(rrows)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

func collectAccessTokens(rows *sql.Rows) ([]*AccessToken, error) {
	defer rows.Close()
	var tokens []*AccessToken
	for rows.Next() {
		t := &AccessToken{Revoked: true}
		var scope pq.StringArray
		var userID, authCode sql.NullString
		if err := rows.Scan(&t.ID, &t.TokenHash, &t.JTI, &t.ClientID, &userID,
			&scope, &t.ExpiresAt, &authCode, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access token: %w", err)
		}
		t.UserID = userID.String
		t.AuthCode = authCode.String
		t.Scope = scope
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func collectRefreshTokens(rows *sql.Rows) ([]*RefreshToken, error) {
	defer rows.Close()
	var tokens []*RefreshToken
	for rows.Next() {
		t := &RefreshToken{Revoked: true}
		var scope pq.StringArray
		var userID, prev, next, authCode sql.NullString
		if err := rows.Scan(&t.ID, &t.TokenHash, &t.JTI, &t.ClientID, &userID,
			&scope, &t.ExpiresAt, &prev, &next, &authCode, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		t.UserID = userID.String
		t.PreviousTokenID = prev.String
		t.ReplacedByTokenID = next.String
		t.AuthCode = authCode.String
		t.Scope = scope
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *PostgresRepository) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	query := `
		INSERT INTO access_tokens (
			id, token_hash, jti, client_id, user_id, scope,
			expires_at, revoked, auth_code, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10)
	`
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, query,
		token.ID, token.TokenHash, token.JTI, token.ClientID, token.UserID,
		pq.Array(token.Scope), token.ExpiresAt, token.Revoked, token.AuthCode, token.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error) {
	query := `
		SELECT id, token_hash, jti, client_id, COALESCE(user_id, ''), scope,
		       expires_at, revoked, COALESCE(auth_code, ''), created_at
		FROM access_tokens
		WHERE token_hash = $1
	`
	t := &AccessToken{}
	var scope pq.StringArray
	err := r.q.QueryRowContext(ctx, query, hash).Scan(
		&t.ID, &t.TokenHash, &t.JTI, &t.ClientID, &t.UserID, &scope,
		&t.ExpiresAt, &t.Revoked, &t.AuthCode, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query access token: %w", err)
	}
	t.Scope = scope
	return t, nil
}

func (r *PostgresRepository) RevokeAccessTokenByHash(ctx context.Context, hash string) error {
	result, err := r.q.ExecContext(ctx,
		`UPDATE access_tokens SET revoked = TRUE WHERE token_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (
			id, token_hash, jti, client_id, user_id, scope, expires_at,
			revoked, revoked_at, previous_token_id, replaced_by_token_id,
			auth_code, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9,
		          NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13)
	`
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, query,
		token.ID, token.TokenHash, token.JTI, token.ClientID, token.UserID,
		pq.Array(token.Scope), token.ExpiresAt, token.Revoked, token.RevokedAt,
		token.PreviousTokenID, token.ReplacedByTokenID, token.AuthCode, token.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	query := `
		SELECT id, token_hash, jti, client_id, COALESCE(user_id, ''), scope,
		       expires_at, revoked, revoked_at, COALESCE(previous_token_id, ''),
		       COALESCE(replaced_by_token_id, ''), COALESCE(auth_code, ''), created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	t := &RefreshToken{}
	var scope pq.StringArray
	var revokedAt sql.NullTime
	err := r.q.QueryRowContext(ctx, query, hash).Scan(
		&t.ID, &t.TokenHash, &t.JTI, &t.ClientID, &t.UserID, &scope,
		&t.ExpiresAt, &t.Revoked, &revokedAt, &t.PreviousTokenID,
		&t.ReplacedByTokenID, &t.AuthCode, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	t.Scope = scope
	if revokedAt.Valid {
		ts := revokedAt.Time
		t.RevokedAt = &ts
	}
	return t, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, id, replacedByID string, at time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, replaced_by_token_id = NULLIF($3, '')
		WHERE id = $1
	`, id, at, replacedByID)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	if replacedByID != "" {
		_, err = r.q.ExecContext(ctx, `
			UPDATE refresh_tokens SET previous_token_id = $2 WHERE id = $1
		`, replacedByID, id)
		if err != nil {
			return fmt.Errorf("link rotated refresh token: %w", err)
		}
	}
	return nil
}

// RevokeRefreshTokenChain walks both link directions with a recursive CTE and
// revokes every reachable token.
func (r *PostgresRepository) RevokeRefreshTokenChain(ctx context.Context, id string) ([]*RefreshToken, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT * FROM refresh_tokens WHERE id = $1
			UNION
			SELECT rt.* FROM refresh_tokens rt
			JOIN chain c ON rt.id = c.previous_token_id
			             OR rt.id = c.replaced_by_token_id
			             OR rt.previous_token_id = c.id
			             OR rt.replaced_by_token_id = c.id
		)
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = COALESCE(refresh_tokens.revoked_at, NOW())
		FROM chain
		WHERE refresh_tokens.id = chain.id
		RETURNING refresh_tokens.id, refresh_tokens.token_hash, refresh_tokens.jti,
		          refresh_tokens.client_id, refresh_tokens.user_id, refresh_tokens.scope,
		          refresh_tokens.expires_at, refresh_tokens.previous_token_id,
		          refresh_tokens.replaced_by_token_id, refresh_tokens.auth_code,
		          refresh_tokens.created_at
	`
	rows, err := r.q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token chain: %w", err)
	}
	tokens, err := collectRefreshTokens(rows)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, ErrNotFound
	}
	return tokens, nil
}

func (r *PostgresRepository) CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	query := `
		INSERT INTO pending_authorizations (
			id, client_id, user_id, redirect_uri, scope, state, nonce,
			code_challenge, challenge_method, created_at, expires_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx, query,
		pending.ID, pending.ClientID, pending.UserID, pending.RedirectURI,
		pq.Array(pending.Scope), pending.State, pending.Nonce,
		pending.CodeChallenge, pending.ChallengeMethod, pending.CreatedAt, pending.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create pending authorization: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TakePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error) {
	query := `
		DELETE FROM pending_authorizations
		WHERE id = $1
		RETURNING id, client_id, COALESCE(user_id, ''), redirect_uri, scope,
		          state, nonce, code_challenge, challenge_method, created_at, expires_at
	`
	p := &PendingAuthorization{}
	var scope pq.StringArray
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.ClientID, &p.UserID, &p.RedirectURI, &scope,
		&p.State, &p.Nonce, &p.CodeChallenge, &p.ChallengeMethod, &p.CreatedAt, &p.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("take pending authorization: %w", err)
	}
	p.Scope = scope
	if time.Now().After(p.ExpiresAt) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *PostgresRepository) BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	if time.Until(expiresAt) <= 0 {
		return nil
	}
	query := `
		INSERT INTO jti_blacklist (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = GREATEST(jti_blacklist.expires_at, EXCLUDED.expires_at)
	`
	if _, err := r.q.ExecContext(ctx, query, jti, expiresAt); err != nil {
		return fmt.Errorf("blacklist jti: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsJTIBlacklisted(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jti_blacklist WHERE jti = $1 AND expires_at > NOW()
		)
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check jti blacklist: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			id, created_at, action, actor_type, actor_id, status,
			ip, user_agent, resource, details
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6,
		          NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
	`
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err = r.q.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.Action, string(entry.ActorType),
		entry.ActorID, string(entry.Status), entry.IP, entry.UserAgent,
		entry.Resource, details,
	)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// WithinTx starts a database transaction and binds a repository view to it.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	// Nested transactions reuse the outer one.
	if _, ok := r.q.(*sql.Tx); ok {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txRepo := &PostgresRepository{db: r.db, q: tx}
	if err := fn(ctx, txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteExpired removes expired codes and blacklist entries. Intended for a
// periodic maintenance job.
func (r *PostgresRepository) DeleteExpired(ctx context.Context) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < NOW()`); err != nil {
		return fmt.Errorf("delete expired codes: %w", err)
	}
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM jti_blacklist WHERE expires_at < NOW()`); err != nil {
		return fmt.Errorf("delete expired blacklist entries: %w", err)
	}
	return nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
