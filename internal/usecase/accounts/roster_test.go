package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAliasForms(t *testing.T) {
	cases := map[string]string{
		"@ravechannel":             "ravechannel",
		"ravechannel":              "ravechannel",
		"t.me/RaveChannel":         "ravechannel",
		"https://t.me/ravechannel": "ravechannel",
	}
	for in, want := range cases {
		got, err := ParseAlias(in)
		if err != nil {
			t.Fatalf("ParseAlias(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAlias(%q) = %q, ожидали %q", in, got, want)
		}
	}
	for _, bad := range []string{"", "ab", "@!!!", "https://example.com/x"} {
		if _, err := ParseAlias(bad); !errors.Is(err, ErrAliasInvalid) {
			t.Fatalf("ParseAlias(%q) должен вернуть ErrAliasInvalid, получили %v", bad, err)
		}
	}
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("подготовка файла: %v", err)
	}
	return path
}

func TestLoadRosterYAML(t *testing.T) {
	path := writeRoster(t, `
- handle: "@ravechannel"
  title: Rave Channel
- handle: t.me/another_one
- handle: "@ravechannel"
`)
	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("дубликаты должны схлопываться: %+v", roster)
	}
	if roster[0].Handle != "ravechannel" || roster[0].Title != "Rave Channel" {
		t.Fatalf("первый аккаунт разобран неверно: %+v", roster[0])
	}
	if roster[1].Handle != "another_one" {
		t.Fatalf("второй аккаунт разобран неверно: %+v", roster[1])
	}
}

func TestLoadRosterPlainText(t *testing.T) {
	path := writeRoster(t, `
# комментарии игнорируются
@ravechannel
another_one
`)
	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(roster) != 2 || roster[0].Handle != "ravechannel" || roster[1].Handle != "another_one" {
		t.Fatalf("текстовый формат разобран неверно: %+v", roster)
	}
}

func TestLoadRosterRejectsEmpty(t *testing.T) {
	path := writeRoster(t, "\n# только комментарий\n")
	if _, err := LoadRoster(path); err == nil {
		t.Fatalf("пустой список должен быть ошибкой")
	}
}
