package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMessageContentMarshalText(t *testing.T) {
	msg := ChatMessage{Role: RoleSystem, Content: TextContent("привет")}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"role":"system","content":"привет"}` {
		t.Fatalf("текст должен сериализоваться строкой: %s", raw)
	}
}

func TestMessageContentMarshalParts(t *testing.T) {
	msg := ChatMessage{
		Role:    RoleUser,
		Content: PartsContent(TextPart("что на флаере?"), ImagePart("data:image/jpeg;base64,abc")),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var parsed struct {
		Content []ContentPart `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("части должны сериализоваться массивом: %v", err)
	}
	if len(parsed.Content) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parsed.Content))
	}
	if parsed.Content[0].Type != ContentPartText || parsed.Content[1].Type != ContentPartImageURL {
		t.Fatalf("типы частей искажены: %+v", parsed.Content)
	}
	if parsed.Content[1].ImageURL == nil || parsed.Content[1].ImageURL.URL != "data:image/jpeg;base64,abc" {
		t.Fatalf("изображение потеряно: %+v", parsed.Content[1])
	}
}

func TestMessageContentUnmarshalAcceptsBothForms(t *testing.T) {
	var fromString MessageContent
	if err := json.Unmarshal([]byte(`"просто текст"`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if fromString.Text != "просто текст" || len(fromString.Parts) != 0 {
		t.Fatalf("строка разобрана неверно: %+v", fromString)
	}

	var fromParts MessageContent
	payload := `[{"type":"text","text":"первая "},{"type":"text","text":"вторая"}]`
	if err := json.Unmarshal([]byte(payload), &fromParts); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	if fromParts.Text != "первая вторая" {
		t.Fatalf("текстовые части должны склеиваться: %q", fromParts.Text)
	}
	if len(fromParts.Parts) != 2 {
		t.Fatalf("части потеряны: %+v", fromParts.Parts)
	}
}

func TestCreateChatCompletionReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_quota","message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, time.Second)
	_, err := client.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: RoleUser, Content: TextContent("ping")}},
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ожидали *APIError, получили %v", err)
	}
	if apiErr.Code != "insufficient_quota" || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("ошибка API разобрана неверно: %+v", apiErr)
	}
}

func TestCreateChatCompletionParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("нет авторизационного заголовка")
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("неожиданный путь %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"x\"}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, time.Second)
	resp, err := client.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: RoleUser, Content: TextContent("ping")}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content.Text != `{"title":"x"}` {
		t.Fatalf("ответ разобран неверно: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage потерян: %+v", resp.Usage)
	}
}
