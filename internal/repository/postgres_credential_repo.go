// Package repository はPostgreSQLによるクレデンシャル列の永続化を提供する。
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/cardsync/internal/credential"
	"github.com/hitoshi/cardsync/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したクレデンシャルリポジトリ。
// 列のインデックスがhandleカラムに対応する。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Load はハンドル順のクレデンシャル列を取得する。
func (r *PostgresCredentialRepo) Load(ctx context.Context) ([]model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT handle, access_token, refresh_token, token_type, expiry
		 FROM credentials
		 ORDER BY handle ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var (
			handle int
			cred   model.Credential
			expiry sql.NullTime
		)
		if err := rows.Scan(&handle, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if handle < 0 {
			continue
		}
		if expiry.Valid {
			cred.Expiry = expiry.Time
		}
		creds = placeCredential(creds, handle, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}

	return creds, nil
}

// Save はクレデンシャル列全体をUPSERTする。
// 既存行はハンドル単位で上書きされる。
func (r *PostgresCredentialRepo) Save(ctx context.Context, creds []model.Credential) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO credentials (handle, access_token, refresh_token, token_type, expiry, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (handle) DO UPDATE SET
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     token_type = EXCLUDED.token_type,
		     expiry = EXCLUDED.expiry,
		     updated_at = EXCLUDED.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare credential upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for handle, cred := range creds {
		if _, err := stmt.ExecContext(ctx,
			handle, cred.AccessToken, cred.RefreshToken, cred.TokenType, nullTime(cred.Expiry), now,
		); err != nil {
			return fmt.Errorf("failed to upsert credential %d: %w", handle, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// placeCredential はcredをhandle位置に配置する。間の欠番はゼロ値で埋める。
func placeCredential(creds []model.Credential, handle int, cred model.Credential) []model.Credential {
	for len(creds) < handle {
		creds = append(creds, model.Credential{})
	}
	if handle < len(creds) {
		creds[handle] = cred
		return creds
	}
	return append(creds, cred)
}

// nullTime はゼロ時刻をNULLとして扱う。
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// compile-time interface check
var _ credential.Persister = (*PostgresCredentialRepo)(nil)
