package mtproto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeSessionBytesPassesThroughGotd(t *testing.T) {
	raw := []byte(`{"Version":1,"Data":{"DC":2}}`)
	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		t.Fatalf("NormalizeSessionBytes: %v", err)
	}
	if converted {
		t.Fatalf("gotd JSON не должен конвертироваться")
	}
	if string(normalized) != string(raw) {
		t.Fatalf("байты gotd сессии должны сохраняться как есть")
	}
}

func TestNormalizeSessionBytesConvertsTelethonRows(t *testing.T) {
	authKey := strings.Repeat("ab", 256)
	raw := []byte(`[{"dc_id":2,"server_address":"149.154.167.50","port":443,"auth_key":"` + authKey + `"}]`)

	normalized, converted, err := NormalizeSessionBytes(raw)
	if err != nil {
		t.Fatalf("NormalizeSessionBytes: %v", err)
	}
	if !converted {
		t.Fatalf("строки Telethon должны конвертироваться")
	}

	var parsed struct {
		Version int `json:"Version"`
		Data    struct {
			DC   int    `json:"DC"`
			Addr string `json:"Addr"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(normalized, &parsed); err != nil {
		t.Fatalf("результат не является gotd JSON: %v", err)
	}
	if parsed.Version != 1 || parsed.Data.DC != 2 {
		t.Fatalf("данные конвертированы неверно: %+v", parsed)
	}
	if parsed.Data.Addr != "149.154.167.50:443" {
		t.Fatalf("адрес DC искажён: %q", parsed.Data.Addr)
	}
}

func TestNormalizeSessionBytesRejectsGarbage(t *testing.T) {
	_, _, err := NormalizeSessionBytes([]byte("definitely not a session"))
	if !errors.Is(err, ErrUnsupportedSessionFormat) {
		t.Fatalf("ожидали ErrUnsupportedSessionFormat, получили %v", err)
	}
	if _, _, err := NormalizeSessionBytes([]byte("   ")); err == nil {
		t.Fatalf("пустой блоб должен быть ошибкой")
	}
}
