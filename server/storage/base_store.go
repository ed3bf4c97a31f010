package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaVersion = 1

// BaseStore implements Store on database/sql for both SQLite and
// PostgreSQL.
//
// Query placeholders are written using SQLite style (?) and converted at
// runtime when using PostgreSQL.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*BaseStore)(nil)

// NewBaseStore wraps an open database and creates the schema.
func NewBaseStore(ctx context.Context, db *sql.DB, dialect Dialect) (*BaseStore, error) {
	s := &BaseStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// query converts SQLite-style ? placeholders to the dialect's format.
func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

func (s *BaseStore) initSchema(ctx context.Context) error {
	text := s.dialect.TextType()
	ts := s.dialect.IntegerType(true)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at %s NOT NULL
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pairing_tokens (
			token %[1]s PRIMARY KEY,
			tenant_id %[1]s NOT NULL DEFAULT '',
			created_at %[2]s NOT NULL,
			expires_at %[2]s NOT NULL,
			claimed_at %[2]s,
			consumed_at %[2]s,
			agent_id %[1]s NOT NULL DEFAULT ''
		)`, text, ts),
		`CREATE INDEX IF NOT EXISTS idx_pairing_tokens_expires_at ON pairing_tokens(expires_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id %[1]s PRIMARY KEY,
			tenant_id %[1]s NOT NULL,
			name %[1]s NOT NULL DEFAULT '',
			version %[1]s NOT NULL DEFAULT '',
			secret_hash %[1]s NOT NULL UNIQUE,
			paired_at %[2]s NOT NULL,
			last_seen %[2]s,
			status %[1]s NOT NULL DEFAULT 'pairing'
		)`, text, ts),
		`CREATE INDEX IF NOT EXISTS idx_agents_tenant_id ON agents(tenant_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	_, err := s.execContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`,
		schemaVersion, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// ============================================================================
// Pairing Tokens
// ============================================================================

const tokenColumns = `token, tenant_id, created_at, expires_at, claimed_at, consumed_at, agent_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*PairingToken, error) {
	var t PairingToken
	var created, expires, claimed, consumed sql.NullInt64
	err := row.Scan(&t.Token, &t.TenantID, &created, &expires, &claimed, &consumed, &t.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = fromMillis(expires)
	t.ClaimedAt = fromMillis(claimed)
	t.ConsumedAt = fromMillis(consumed)
	return &t, nil
}

// CreatePairingToken stores a new token.
func (s *BaseStore) CreatePairingToken(ctx context.Context, tok *PairingToken) error {
	if _, err := s.GetPairingToken(ctx, tok.Token); err == nil {
		return ErrTokenExists
	} else if !errors.Is(err, ErrTokenNotFound) {
		return err
	}
	_, err := s.execContext(ctx,
		`INSERT INTO pairing_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.TenantID, toMillis(tok.CreatedAt), toMillis(tok.ExpiresAt),
		toMillis(tok.ClaimedAt), toMillis(tok.ConsumedAt), tok.AgentID)
	if err != nil {
		return fmt.Errorf("failed to create pairing token: %w", err)
	}
	logDebug("Pairing token created", "tenant_id", tok.TenantID, "expires_at", tok.ExpiresAt)
	return nil
}

// GetPairingToken loads a token by code.
func (s *BaseStore) GetPairingToken(ctx context.Context, code string) (*PairingToken, error) {
	row := s.queryRowContext(ctx, `SELECT `+tokenColumns+` FROM pairing_tokens WHERE token = ?`, code)
	return scanToken(row)
}

// ClaimPairingToken binds an unclaimed token to a tenant.
func (s *BaseStore) ClaimPairingToken(ctx context.Context, code, tenantID string, now time.Time) (*PairingToken, error) {
	var out *PairingToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockToken(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := t.check(now); err != nil {
			return err
		}
		switch t.TenantID {
		case tenantID:
			out = t
			return nil
		case "":
		default:
			return ErrTokenClaimed
		}
		t.TenantID = tenantID
		t.ClaimedAt = truncate(now)
		res, err := tx.ExecContext(ctx,
			s.query(`UPDATE pairing_tokens SET tenant_id = ?, claimed_at = ? WHERE token = ? AND tenant_id = ''`),
			tenantID, toMillis(t.ClaimedAt), code)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTokenClaimed
		}
		out = t
		return nil
	})
	return out, err
}

// ConsumePairingToken redeems a claimed token and upserts the agent.
func (s *BaseStore) ConsumePairingToken(ctx context.Context, code string, agent *Agent, now time.Time) (*PairingToken, error) {
	var out *PairingToken
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockToken(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := t.check(now); err != nil {
			return err
		}
		if t.TenantID == "" {
			return ErrTokenPending
		}

		paired := truncate(now)
		res, err := tx.ExecContext(ctx,
			s.query(`UPDATE pairing_tokens SET consumed_at = ?, agent_id = ? WHERE token = ? AND consumed_at IS NULL`),
			toMillis(paired), agent.ID, code)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTokenConsumed
		}

		// Re-pairing keeps the agent in its tenant; a code claimed by another
		// tenant cannot take the row over.
		res, err = tx.ExecContext(ctx, s.query(`
			INSERT INTO agents (id, tenant_id, name, version, secret_hash, paired_at, last_seen, status)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
			`+s.dialect.UpsertConflict([]string{"id"})+`
				name = excluded.name,
				version = excluded.version,
				secret_hash = excluded.secret_hash,
				paired_at = excluded.paired_at,
				last_seen = NULL,
				status = excluded.status
			WHERE agents.tenant_id = excluded.tenant_id`),
			agent.ID, t.TenantID, agent.Name, agent.Version, agent.SecretHash, toMillis(paired), StatusPairing)
		if err != nil {
			return fmt.Errorf("failed to store agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAgentOtherTenant
		}

		agent.TenantID, agent.PairedAt, agent.LastSeen, agent.Status = t.TenantID, paired, time.Time{}, StatusPairing
		t.ConsumedAt = paired
		t.AgentID = agent.ID
		out = t
		return nil
	})
	if err == nil {
		logInfo("Agent paired", "agent_id", agent.ID, "tenant_id", agent.TenantID)
	}
	return out, err
}

// DeleteExpiredTokens removes tokens that expired before cutoff.
func (s *BaseStore) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execContext(ctx, `DELETE FROM pairing_tokens WHERE expires_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *BaseStore) lockToken(ctx context.Context, tx *sql.Tx, code string) (*PairingToken, error) {
	q := `SELECT ` + tokenColumns + ` FROM pairing_tokens WHERE token = ?`
	if lock := s.dialect.ForUpdate(); lock != "" {
		q += " " + lock
	}
	return scanToken(tx.QueryRowContext(ctx, s.query(q), code))
}

func (s *BaseStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ============================================================================
// Agents
// ============================================================================

const agentColumns = `id, tenant_id, name, version, secret_hash, paired_at, last_seen, status`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var paired, seen sql.NullInt64
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.SecretHash, &paired, &seen, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PairedAt = fromMillis(paired)
	a.LastSeen = fromMillis(seen)
	return &a, nil
}

// GetAgent loads an agent by ID.
func (s *BaseStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.queryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
}

// GetAgentBySecretHash authenticates a device secret.
func (s *BaseStore) GetAgentBySecretHash(ctx context.Context, hash string) (*Agent, error) {
	if hash == "" {
		return nil, ErrAgentNotFound
	}
	return scanAgent(s.queryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE secret_hash = ?`, hash))
}

// ListAgents returns the agents of a tenant, or all agents.
func (s *BaseStore) ListAgents(ctx context.Context, tenantID string) ([]*Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents`
	var args []interface{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY name, id`

	rows, err := s.queryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	out := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchAgent records a heartbeat. last_seen never moves backwards.
func (s *BaseStore) TouchAgent(ctx context.Context, id, version string, seen time.Time) error {
	ms := truncate(seen).UnixMilli()
	q := `UPDATE agents SET last_seen = CASE WHEN last_seen IS NULL OR last_seen < ? THEN ? ELSE last_seen END, status = ?`
	args := []interface{}{ms, ms, StatusOnline}
	if version != "" {
		q += `, version = ?`
		args = append(args, version)
	}
	q += ` WHERE id = ?`
	args = append(args, id)
	return s.execOne(ctx, q, args...)
}

// UpdateAgentStatus stores the derived presence status.
func (s *BaseStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	return s.execOne(ctx, `UPDATE agents SET status = ? WHERE id = ?`, status, id)
}

// DeleteAgent removes an agent, optionally restricted to a tenant.
func (s *BaseStore) DeleteAgent(ctx context.Context, tenantID, id string) error {
	if tenantID == "" {
		return s.execOne(ctx, `DELETE FROM agents WHERE id = ?`, id)
	}
	return s.execOne(ctx, `DELETE FROM agents WHERE id = ? AND tenant_id = ?`, id, tenantID)
}

// execOne runs a statement that must affect exactly one agent row.
func (s *BaseStore) execOne(ctx context.Context, q string, args ...interface{}) error {
	res, err := s.execContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
