// Package database はPostgreSQLへの接続と、クレデンシャル用スキーマのマイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationsFS はcredentialsテーブルのスキーマ定義。
// ファイル名の連番がスキーマバージョンになる。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrator は埋め込みスキーマを適用するmigrateインスタンスを生成する。
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded credential schema: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect migrator: %w", err)
	}
	return m, nil
}

// RunMigrations はcredentialsテーブルのスキーマを最新バージョンまで上げる。
// 適用後のスキーマバージョンを返す。すでに最新の場合もエラーにはしない。
func RunMigrations(databaseURL string) (uint, error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to migrate credential schema: %w", err)
	}
	return schemaVersion(m)
}

// SchemaVersion は適用済みのスキーマバージョンを返す。
// 未適用の場合は0を返す。途中で失敗したマイグレーションが残っている場合はエラーを返す。
func SchemaVersion(databaseURL string) (uint, error) {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	return schemaVersion(m)
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read credential schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("credential schema version %d is dirty; fix it manually and force the version", version)
	}
	return version, nil
}
