package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "db.users.get")()
	const q = `SELECT id, external_ref, email, created_at FROM users WHERE id=$1`
	var u User
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.ExternalRef, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) UpsertByExternalRef(ctx context.Context, externalRef, email string) (*User, error) {
	defer observeDB(ctx, "db.users.upsert")()
	const q = `
		INSERT INTO users (external_ref, email)
		VALUES ($1, $2)
		ON CONFLICT (external_ref) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, external_ref, email, created_at`
	var u User
	if err := r.pool.QueryRow(ctx, q, externalRef, email).Scan(&u.ID, &u.ExternalRef, &u.Email, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

// syncSettingsRepo implements SyncSettingsRepository.
type syncSettingsRepo struct {
	pool *pgxpool.Pool
}

const syncSettingsColumns = `user_id, sync_enabled, direction, include_financial_amounts,
	sync_token, channel_id, channel_resource_id, channel_expires_at, last_full_sync_at, last_incremental_sync_at, updated_at`

func scanSyncSettings(row pgx.Row) (*SyncSettings, error) {
	var s SyncSettings
	err := row.Scan(&s.UserID, &s.SyncEnabled, &s.Direction, &s.IncludeFinancialAmounts,
		&s.SyncToken, &s.ChannelID, &s.ChannelResourceID, &s.ChannelExpiresAt, &s.LastFullSyncAt, &s.LastIncrementalSyncAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync settings: %w", err)
	}
	return &s, nil
}

func (r *syncSettingsRepo) Get(ctx context.Context, userID int64) (*SyncSettings, error) {
	defer observeDB(ctx, "db.settings.get")()
	q := `SELECT ` + syncSettingsColumns + ` FROM sync_settings WHERE user_id=$1`
	return scanSyncSettings(r.pool.QueryRow(ctx, q, userID))
}

func (r *syncSettingsRepo) Upsert(ctx context.Context, s *SyncSettings) error {
	defer observeDB(ctx, "db.settings.upsert")()
	const q = `
		INSERT INTO sync_settings (user_id, sync_enabled, direction, include_financial_amounts, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			sync_enabled = EXCLUDED.sync_enabled,
			direction = EXCLUDED.direction,
			include_financial_amounts = EXCLUDED.include_financial_amounts,
			updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, s.UserID, s.SyncEnabled, s.Direction, s.IncludeFinancialAmounts); err != nil {
		return fmt.Errorf("upsert sync settings: %w", err)
	}
	return nil
}

func (r *syncSettingsRepo) UpdateCursor(ctx context.Context, userID int64, token string, fullSync bool, at time.Time) error {
	defer observeDB(ctx, "db.settings.update_cursor")()
	q := `UPDATE sync_settings SET sync_token=$2, last_incremental_sync_at=$3, updated_at=NOW() WHERE user_id=$1`
	if fullSync {
		q = `UPDATE sync_settings SET sync_token=$2, last_full_sync_at=$3, updated_at=NOW() WHERE user_id=$1`
	}
	tag, err := r.pool.Exec(ctx, q, userID, token, at)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSettingsRepo) ClearCursor(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.settings.clear_cursor")()
	const q = `UPDATE sync_settings SET sync_token=NULL, updated_at=NOW() WHERE user_id=$1`
	tag, err := r.pool.Exec(ctx, q, userID)
	if err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSettingsRepo) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error {
	defer observeDB(ctx, "db.settings.update_channel")()
	const q = `UPDATE sync_settings SET channel_id=$2, channel_resource_id=$3, channel_expires_at=$4, updated_at=NOW() WHERE user_id=$1`
	tag, err := r.pool.Exec(ctx, q, userID, channelID, resourceID, expiresAt)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSettingsRepo) ClearChannel(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.settings.clear_channel")()
	const q = `UPDATE sync_settings SET channel_id=NULL, channel_resource_id=NULL, channel_expires_at=NULL, updated_at=NOW() WHERE user_id=$1`
	if _, err := r.pool.Exec(ctx, q, userID); err != nil {
		return fmt.Errorf("clear channel: %w", err)
	}
	return nil
}

func (r *syncSettingsRepo) FindByChannelID(ctx context.Context, channelID string) (*SyncSettings, error) {
	defer observeDB(ctx, "db.settings.find_by_channel")()
	q := `SELECT ` + syncSettingsColumns + ` FROM sync_settings WHERE channel_id=$1`
	return scanSyncSettings(r.pool.QueryRow(ctx, q, channelID))
}

func (r *syncSettingsRepo) ListExpiringChannels(ctx context.Context, before time.Time) ([]SyncSettings, error) {
	defer observeDB(ctx, "db.settings.list_expiring")()
	q := `SELECT ` + syncSettingsColumns + ` FROM sync_settings
		WHERE sync_enabled AND channel_id IS NOT NULL AND channel_expires_at <= $1
		ORDER BY channel_expires_at`
	rows, err := r.pool.Query(ctx, q, before)
	if err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	defer rows.Close()

	var result []SyncSettings
	for rows.Next() {
		s, err := scanSyncSettings(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	return result, nil
}

// tokenRepo implements TokenRepository.
type tokenRepo struct {
	pool *pgxpool.Pool
}

func (r *tokenRepo) Get(ctx context.Context, userID int64) (*TokenRecord, error) {
	defer observeDB(ctx, "db.tokens.get")()
	const q = `SELECT user_id, access_token_ciphertext, access_token_nonce,
		refresh_token_ciphertext, refresh_token_nonce, key_salt,
		access_token_expires_at, provider_email, updated_at
		FROM calendar_tokens WHERE user_id=$1`
	var rec TokenRecord
	err := r.pool.QueryRow(ctx, q, userID).Scan(&rec.UserID,
		&rec.AccessTokenCiphertext, &rec.AccessTokenNonce,
		&rec.RefreshTokenCiphertext, &rec.RefreshTokenNonce, &rec.KeySalt,
		&rec.AccessTokenExpiresAt, &rec.ProviderEmail, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token record: %w", err)
	}
	return &rec, nil
}

func (r *tokenRepo) Upsert(ctx context.Context, rec *TokenRecord) error {
	defer observeDB(ctx, "db.tokens.upsert")()
	if len(rec.RefreshTokenCiphertext) == 0 {
		return errors.New("token record requires a refresh token")
	}
	const q = `
		INSERT INTO calendar_tokens (user_id, access_token_ciphertext, access_token_nonce,
			refresh_token_ciphertext, refresh_token_nonce, key_salt,
			access_token_expires_at, provider_email, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token_ciphertext = EXCLUDED.access_token_ciphertext,
			access_token_nonce = EXCLUDED.access_token_nonce,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			refresh_token_nonce = EXCLUDED.refresh_token_nonce,
			key_salt = EXCLUDED.key_salt,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			provider_email = EXCLUDED.provider_email,
			updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, rec.UserID,
		rec.AccessTokenCiphertext, rec.AccessTokenNonce,
		rec.RefreshTokenCiphertext, rec.RefreshTokenNonce, rec.KeySalt,
		rec.AccessTokenExpiresAt, rec.ProviderEmail); err != nil {
		return fmt.Errorf("upsert token record: %w", err)
	}
	return nil
}

func (r *tokenRepo) Delete(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "db.tokens.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM calendar_tokens WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete token record: %w", err)
	}
	return nil
}

// eventMappingRepo implements EventMappingRepository.
type eventMappingRepo struct {
	pool *pgxpool.Pool
}

const eventMappingColumns = `id, user_id, local_event_id, remote_event_id, sync_status, last_synced_at, last_error`

func scanEventMapping(row pgx.Row) (*EventMapping, error) {
	var m EventMapping
	err := row.Scan(&m.ID, &m.UserID, &m.LocalEventID, &m.RemoteEventID, &m.SyncStatus, &m.LastSyncedAt, &m.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event mapping: %w", err)
	}
	return &m, nil
}

func (r *eventMappingRepo) GetByLocalID(ctx context.Context, userID int64, localEventID string) (*EventMapping, error) {
	defer observeDB(ctx, "db.mappings.get_by_local")()
	q := `SELECT ` + eventMappingColumns + ` FROM event_mappings WHERE user_id=$1 AND local_event_id=$2`
	return scanEventMapping(r.pool.QueryRow(ctx, q, userID, localEventID))
}

func (r *eventMappingRepo) GetByRemoteID(ctx context.Context, userID int64, remoteEventID string) (*EventMapping, error) {
	defer observeDB(ctx, "db.mappings.get_by_remote")()
	q := `SELECT ` + eventMappingColumns + ` FROM event_mappings WHERE user_id=$1 AND remote_event_id=$2`
	return scanEventMapping(r.pool.QueryRow(ctx, q, userID, remoteEventID))
}

func (r *eventMappingRepo) Upsert(ctx context.Context, m *EventMapping) error {
	defer observeDB(ctx, "db.mappings.upsert")()
	const q = `
		INSERT INTO event_mappings (user_id, local_event_id, remote_event_id, sync_status, last_synced_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, local_event_id) DO UPDATE SET
			remote_event_id = EXCLUDED.remote_event_id,
			sync_status = EXCLUDED.sync_status,
			last_synced_at = EXCLUDED.last_synced_at,
			last_error = EXCLUDED.last_error`
	if _, err := r.pool.Exec(ctx, q, m.UserID, m.LocalEventID, m.RemoteEventID, m.SyncStatus, m.LastSyncedAt, m.LastError); err != nil {
		return fmt.Errorf("upsert event mapping: %w", err)
	}
	return nil
}

func (r *eventMappingRepo) SetStatus(ctx context.Context, userID int64, localEventID string, status SyncStatus, lastError *string, at time.Time) error {
	defer observeDB(ctx, "db.mappings.set_status")()
	const q = `UPDATE event_mappings SET sync_status=$3, last_error=$4, last_synced_at=$5
		WHERE user_id=$1 AND local_event_id=$2`
	tag, err := r.pool.Exec(ctx, q, userID, localEventID, status, lastError, at)
	if err != nil {
		return fmt.Errorf("set mapping status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventMappingRepo) DeleteByLocalID(ctx context.Context, userID int64, localEventID string) error {
	defer observeDB(ctx, "db.mappings.delete_by_local")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM event_mappings WHERE user_id=$1 AND local_event_id=$2`, userID, localEventID); err != nil {
		return fmt.Errorf("delete event mapping: %w", err)
	}
	return nil
}

func (r *eventMappingRepo) DeleteByRemoteID(ctx context.Context, userID int64, remoteEventID string) error {
	defer observeDB(ctx, "db.mappings.delete_by_remote")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM event_mappings WHERE user_id=$1 AND remote_event_id=$2`, userID, remoteEventID); err != nil {
		return fmt.Errorf("delete event mapping: %w", err)
	}
	return nil
}

func (r *eventMappingRepo) ListByUser(ctx context.Context, userID int64) ([]EventMapping, error) {
	defer observeDB(ctx, "db.mappings.list")()
	q := `SELECT ` + eventMappingColumns + ` FROM event_mappings WHERE user_id=$1 ORDER BY last_synced_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list event mappings: %w", err)
	}
	defer rows.Close()

	var result []EventMapping
	for rows.Next() {
		m, err := scanEventMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event mappings: %w", err)
	}
	return result, nil
}

// auditRepo implements AuditRepository. Append-only: no update or delete
// statements exist for audit_entries.
type auditRepo struct {
	pool *pgxpool.Pool
}

func (r *auditRepo) Append(ctx context.Context, entry *AuditEntry) error {
	defer observeDB(ctx, "db.audit.append")()
	const q = `INSERT INTO audit_entries (user_id, action, details) VALUES ($1, $2, $3)`
	if _, err := r.pool.Exec(ctx, q, entry.UserID, entry.Action, entry.Details); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]AuditEntry, error) {
	defer observeDB(ctx, "db.audit.list")()
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, user_id, action, details, created_at FROM audit_entries
		WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return result, nil
}

// financialEventRepo implements FinancialEventRepository.
type financialEventRepo struct {
	pool *pgxpool.Pool
}

const financialEventColumns = `id, user_id, title, amount, category, starts_at, ends_at, archived, updated_at`

func scanFinancialEvent(row pgx.Row) (*FinancialEvent, error) {
	var ev FinancialEvent
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Title, &ev.Amount, &ev.Category, &ev.StartsAt, &ev.EndsAt, &ev.Archived, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan financial event: %w", err)
	}
	return &ev, nil
}

func (r *financialEventRepo) Get(ctx context.Context, id string) (*FinancialEvent, error) {
	defer observeDB(ctx, "db.events.get")()
	q := `SELECT ` + financialEventColumns + ` FROM financial_events WHERE id=$1`
	return scanFinancialEvent(r.pool.QueryRow(ctx, q, id))
}

func (r *financialEventRepo) Upsert(ctx context.Context, ev *FinancialEvent) error {
	defer observeDB(ctx, "db.events.upsert")()
	const q = `
		INSERT INTO financial_events (id, user_id, title, amount, category, starts_at, ends_at, archived, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			amount = EXCLUDED.amount,
			category = EXCLUDED.category,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			archived = EXCLUDED.archived,
			updated_at = NOW()
		WHERE financial_events.user_id = EXCLUDED.user_id`
	if _, err := r.pool.Exec(ctx, q, ev.ID, ev.UserID, ev.Title, ev.Amount, ev.Category, ev.StartsAt, ev.EndsAt, ev.Archived); err != nil {
		return fmt.Errorf("upsert financial event: %w", err)
	}
	return nil
}

func (r *financialEventRepo) Archive(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.events.archive")()
	const q = `UPDATE financial_events SET archived=TRUE, updated_at=NOW() WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("archive financial event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *financialEventRepo) ListModifiedSince(ctx context.Context, userID int64, since time.Time) ([]FinancialEvent, error) {
	defer observeDB(ctx, "db.events.list_modified")()
	q := `SELECT ` + financialEventColumns + ` FROM financial_events
		WHERE user_id=$1 AND updated_at > $2 ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list financial events: %w", err)
	}
	defer rows.Close()

	var result []FinancialEvent
	for rows.Next() {
		ev, err := scanFinancialEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list financial events: %w", err)
	}
	return result, nil
}
