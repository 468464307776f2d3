package extractor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/metrics"
	"tg-event-radar/internal/infra/openai"
)

// PromptVersion входит в фингерпринт: правка промпта инвалидирует кэш.
const PromptVersion = "v2"

const maxImages = 3

const systemPrompt = `You extract structured event listing facts from social media posts. ` +
	`Respond with a single JSON object and nothing else. ` +
	`Never invent facts that are not present in the caption or on the images.`

const schemaDescription = `{
  "title": "event title, required",
  "date": "event date as YYYY-MM-DD, required; if the year is missing assume the post year",
  "start_time": "start time as HH:MM 24h, or empty",
  "end_time": "end time as HH:MM 24h, or empty",
  "venue": "venue name, or empty; if the location is secret or shared via DM only, leave empty",
  "address": "street address, or empty",
  "ticket_link": "ticket or info URL from the post, or empty",
  "lineup": [{"name": "performer name", "link": "performer URL or empty"}]
}`

// ChatClient выполняет Chat Completions запрос.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ResultLookup ищет сохранённый результат извлечения по фингерпринту.
type ResultLookup interface {
	Extraction(id domain.PostID, fingerprint string) (domain.ExtractionResult, error)
}

// Extractor превращает пост-событие в структурированные факты через LLM.
// Перед вызовом модели проверяется кэш по фингерпринту входов.
type Extractor struct {
	client ChatClient
	lookup ResultLookup
	model  string
	log    zerolog.Logger
	now    func() time.Time
}

var _ domain.Extractor = (*Extractor)(nil)

func New(client ChatClient, lookup ResultLookup, model string, log zerolog.Logger) *Extractor {
	return &Extractor{client: client, lookup: lookup, model: model, log: log, now: time.Now}
}

// Extract извлекает факты события из поста. Повторный вызов с теми же
// входами возвращает сохранённый результат без обращения к модели.
func (e *Extractor) Extract(ctx context.Context, post domain.Post) (domain.ExtractionResult, error) {
	fingerprint, err := Fingerprint(post, e.model, PromptVersion)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", domain.ErrMediaDecode, err)
	}

	if cached, err := e.lookup.Extraction(post.ID, fingerprint); err == nil {
		metrics.ExtractionCacheTotal.WithLabelValues("hit").Inc()
		e.log.Debug().Str("post", post.ID.String()).Msg("extractor: результат из кэша")
		return cached, nil
	}
	metrics.ExtractionCacheTotal.WithLabelValues("miss").Inc()

	base := domain.ExtractionResult{
		PostID:        post.ID,
		Model:         e.model,
		PromptVersion: PromptVersion,
		Fingerprint:   fingerprint,
		ExtractedAt:   e.now().UTC(),
	}

	images, err := encodeImages(post)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", domain.ErrMediaDecode, err)
	}
	if strings.TrimSpace(post.Caption) == "" && len(images) == 0 {
		base.Status = domain.ExtractionSkipped
		base.Error = "нет ни подписи, ни изображений"
		return base, nil
	}

	facts, err := e.callModel(ctx, post, images, "")
	if err == nil {
		base.Status = domain.ExtractionSuccess
		base.Facts = facts
		return base, nil
	}
	if isQuotaError(err) {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", domain.ErrQuotaExhausted, err)
	}
	var invalid *schemaError
	if !errors.As(err, &invalid) {
		return domain.ExtractionResult{}, fmt.Errorf("извлечение %s: %w", post.ID, err)
	}

	// Один корректирующий повтор с указанием на ошибку схемы.
	e.log.Warn().Err(err).Str("post", post.ID.String()).Msg("extractor: схема не прошла, повтор")
	facts, err = e.callModel(ctx, post, images, invalid.Error())
	if err == nil {
		base.Status = domain.ExtractionSuccess
		base.Facts = facts
		return base, nil
	}
	if isQuotaError(err) {
		return domain.ExtractionResult{}, fmt.Errorf("%w: %v", domain.ErrQuotaExhausted, err)
	}
	if errors.As(err, &invalid) {
		base.Status = domain.ExtractionFailed
		base.Error = invalid.Error()
		return base, nil
	}
	return domain.ExtractionResult{}, fmt.Errorf("извлечение %s: %w", post.ID, err)
}

func (e *Extractor) callModel(ctx context.Context, post domain.Post, images []string, correction string) (*domain.EventFacts, error) {
	parts := []openai.ContentPart{openai.TextPart(buildUserPrompt(post, correction))}
	for _, img := range images {
		parts = append(parts, openai.ImagePart(img))
	}
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: openai.TextContent(systemPrompt)},
			{Role: openai.RoleUser, Content: openai.PartsContent(parts...)},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("модель вернула пустой ответ")
	}
	facts, err := parseFacts(resp.Choices[0].Message.Content.Text, post.PublishedAt)
	if err != nil {
		return nil, err
	}
	facts.TicketLink, facts.TicketLinkType = classifyTicketLink(facts.TicketLink, post.URL)
	return facts, nil
}

func buildUserPrompt(post domain.Post, correction string) string {
	var b strings.Builder
	b.WriteString("Extract the event listing facts from this post.\n\n")
	fmt.Fprintf(&b, "POST URL: %s\n", post.URL)
	fmt.Fprintf(&b, "POSTED ON: %s\n", post.PublishedAt.Format("2006-01-02"))
	fmt.Fprintf(&b, "AUTHOR: @%s\n", post.ID.Account)
	fmt.Fprintf(&b, "CAPTION:\n%s\n\n", post.Caption)
	b.WriteString("Return a JSON object with this exact shape:\n")
	b.WriteString(schemaDescription)
	if correction != "" {
		fmt.Fprintf(&b, "\n\nYour previous answer was invalid: %s\nFix it and return the full object again.", correction)
	}
	return b.String()
}

// encodeImages собирает до maxImages фотографий поста как data URI.
func encodeImages(post domain.Post) ([]string, error) {
	var out []string
	for _, media := range post.Media {
		if media.Kind != domain.MediaPhoto || len(out) >= maxImages {
			continue
		}
		data, err := os.ReadFile(media.Path)
		if err != nil {
			return nil, fmt.Errorf("чтение %s: %w", media.Name, err)
		}
		mime := "image/jpeg"
		if strings.EqualFold(filepath.Ext(media.Name), ".png") {
			mime = "image/png"
		}
		out = append(out, fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)))
	}
	return out, nil
}

func isQuotaError(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "insufficient_quota" || apiErr.Status == 402
}

// schemaError — ответ модели не прошёл валидацию схемы.
type schemaError struct {
	reason string
}

func (e *schemaError) Error() string { return e.reason }

func (e *schemaError) Unwrap() error { return domain.ErrSchemaValidation }

type rawPerformer struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// UnmarshalJSON принимает участника и строкой, и объектом.
func (p *rawPerformer) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		p.Name = name
		return nil
	}
	type plain rawPerformer
	return json.Unmarshal(data, (*plain)(p))
}

type rawFacts struct {
	Title      string         `json:"title"`
	Date       string         `json:"date"`
	StartTime  string         `json:"start_time"`
	EndTime    string         `json:"end_time"`
	Venue      string         `json:"venue"`
	Address    string         `json:"address"`
	TicketLink string         `json:"ticket_link"`
	Lineup     []rawPerformer `json:"lineup"`
}

func parseFacts(content string, postedAt time.Time) (*domain.EventFacts, error) {
	cleaned := stripCodeFence(content)
	var raw rawFacts
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, &schemaError{reason: fmt.Sprintf("ответ не является валидным JSON: %v", err)}
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, &schemaError{reason: "поле title пустое"}
	}
	date, err := normalizeDate(raw.Date, postedAt.Year())
	if err != nil {
		return nil, &schemaError{reason: err.Error()}
	}
	start, err := normalizeTime(raw.StartTime)
	if err != nil {
		return nil, &schemaError{reason: fmt.Sprintf("start_time: %v", err)}
	}
	end, err := normalizeTime(raw.EndTime)
	if err != nil {
		return nil, &schemaError{reason: fmt.Sprintf("end_time: %v", err)}
	}

	facts := &domain.EventFacts{
		Title:      strings.TrimSpace(raw.Title),
		Date:       date,
		StartTime:  start,
		EndTime:    end,
		Venue:      strings.TrimSpace(raw.Venue),
		Address:    strings.TrimSpace(raw.Address),
		TicketLink: strings.TrimSpace(raw.TicketLink),
	}
	for _, p := range raw.Lineup {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		facts.Lineup = append(facts.Lineup, domain.Performer{Name: name, Link: strings.TrimSpace(p.Link)})
	}
	return facts, nil
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

var yearlessLayouts = []string{
	"January 2",
	"Jan 2",
	"02.01",
	"01-02",
}

func normalizeDate(raw string, postYear int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("поле date пустое")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	for _, layout := range yearlessLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(postYear, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("дата %q не распознана, ожидается YYYY-MM-DD", raw)
}

var timeLayouts = []string{"15:04", "15", "3:04pm", "3pm", "3:04 PM", "3 PM"}

func normalizeTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("15:04"), nil
		}
		if t, err := time.Parse(layout, strings.ToUpper(raw)); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("время %q не распознано", raw)
}
