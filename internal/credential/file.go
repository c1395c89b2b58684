package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/cardsync/internal/model"
)

// FilePersister はクレデンシャル列を整形済みJSON配列としてファイルに保存する。
// 書き込みは一時ファイルへの書き出しとリネームで行い、途中状態のファイルを残さない。
type FilePersister struct {
	path string
}

// NewFilePersister はFilePersisterを生成する。
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path は保存先のファイルパスを返す。
func (p *FilePersister) Path() string {
	return p.path
}

// Load はファイルからクレデンシャル列を読み込む。
// ファイルが存在しない場合はfs.ErrNotExistをラップしたエラーを返す。
func (p *FilePersister) Load(_ context.Context) ([]model.Credential, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var creds []model.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("corrupt credential file %s: %w", p.path, err)
	}
	return creds, nil
}

// Save はクレデンシャル列全体をファイルに書き込む。
func (p *FilePersister) Save(_ context.Context, creds []model.Credential) error {
	if creds == nil {
		creds = []model.Credential{}
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // リネーム成功後は存在しないため無視される

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to chmod credential file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// MemoryPersister はクレデンシャル列をメモリ上にのみ保持する。
// 再起動で内容は失われる。
type MemoryPersister struct {
	mu    sync.Mutex
	creds []model.Credential
	saves int
}

// NewMemoryPersister は初期値を持つMemoryPersisterを生成する。
func NewMemoryPersister(initial ...model.Credential) *MemoryPersister {
	return &MemoryPersister{creds: append([]model.Credential(nil), initial...)}
}

// Load は保持しているクレデンシャル列のコピーを返す。
func (p *MemoryPersister) Load(_ context.Context) ([]model.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Credential(nil), p.creds...), nil
}

// Save はクレデンシャル列のコピーを保持する。
func (p *MemoryPersister) Save(_ context.Context, creds []model.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = append([]model.Credential(nil), creds...)
	p.saves++
	return nil
}

// Saves はSaveが呼ばれた回数を返す。
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

var (
	_ Persister = (*FilePersister)(nil)
	_ Persister = (*MemoryPersister)(nil)
)
