package accounts

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"tg-event-radar/internal/domain"
)

// ErrAliasInvalid неразборчивый алиас аккаунта.
var ErrAliasInvalid = errors.New("некорректный алиас аккаунта")

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,})$`)

// ParseAlias приводит ввод к каноничному алиасу аккаунта.
func ParseAlias(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := aliasRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrAliasInvalid
	}
	return strings.ToLower(matches[1]), nil
}

type rosterEntry struct {
	Handle string `yaml:"handle"`
	Title  string `yaml:"title"`
}

// LoadRoster читает список отслеживаемых аккаунтов из файла.
// Поддерживаются два формата: YAML-список с полями handle/title и простой
// текст по одному алиасу на строку (строки с # игнорируются).
func LoadRoster(path string) ([]domain.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение списка аккаунтов: %w", err)
	}

	var entries []rosterEntry
	if err := yaml.Unmarshal(raw, &entries); err == nil && len(entries) > 0 && entries[0].Handle != "" {
		return fromEntries(entries)
	}
	return fromLines(string(raw))
}

func fromEntries(entries []rosterEntry) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(entries))
	seen := make(map[string]struct{})
	for _, entry := range entries {
		handle, err := ParseAlias(entry.Handle)
		if err != nil {
			return nil, fmt.Errorf("аккаунт %q: %w", entry.Handle, err)
		}
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		accounts = append(accounts, domain.Account{Handle: handle, Title: strings.TrimSpace(entry.Title)})
	}
	if len(accounts) == 0 {
		return nil, errors.New("список аккаунтов пуст")
	}
	return accounts, nil
}

func fromLines(raw string) ([]domain.Account, error) {
	var accounts []domain.Account
	seen := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		handle, err := ParseAlias(line)
		if err != nil {
			return nil, fmt.Errorf("строка %q: %w", line, err)
		}
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		accounts = append(accounts, domain.Account{Handle: handle})
	}
	if len(accounts) == 0 {
		return nil, errors.New("список аккаунтов пуст")
	}
	return accounts, nil
}
