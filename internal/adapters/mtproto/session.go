package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"

	"tg-event-radar/internal/domain"
)

// SessionManager хранит MTProto-сессию в файле и переживает перезапуски.
// Сохранённая сессия предпочтительнее свежего логина: повторные логины
// платформа штрафует.
type SessionManager struct {
	path string
}

// NewSessionManager создаёт менеджер для файла сессии.
func NewSessionManager(path string) *SessionManager {
	return &SessionManager{path: path}
}

// Path возвращает путь файла сессии.
func (m *SessionManager) Path() string { return m.path }

// Exists сообщает, есть ли сохранённая сессия.
func (m *SessionManager) Exists() bool {
	info, err := os.Stat(m.path)
	return err == nil && info.Size() > 0
}

// LoadSession реализует session.Storage. Чужие форматы (строки Telethon,
// экспортированный JSON) нормализуются в формат gotd на лету.
func (m *SessionManager) LoadSession(ctx context.Context) ([]byte, error) {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение сессии: %w", err)
	}
	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if converted {
		// Перезаписываем файл каноничным форматом, чтобы не конвертировать
		// при каждом запуске.
		if err := m.StoreSession(ctx, normalized); err != nil {
			return nil, err
		}
	}
	return normalized, nil
}

// StoreSession реализует session.Storage: атомарная запись с правами 0600.
func (m *SessionManager) StoreSession(_ context.Context, data []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("каталог сессии: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("запись сессии: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("запись сессии: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("запись сессии: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("права сессии: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("фиксация сессии: %w", err)
	}
	return nil
}

// Import нормализует и сохраняет сессию, принесённую оператором.
func (m *SessionManager) Import(raw []byte) (bool, error) {
	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		return false, err
	}
	if err := m.StoreSession(context.Background(), normalized); err != nil {
		return false, err
	}
	return converted, nil
}

var _ session.Storage = (*SessionManager)(nil)
