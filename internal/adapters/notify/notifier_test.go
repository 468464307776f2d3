package notify

import (
	"strings"
	"testing"
	"time"

	"tg-event-radar/internal/domain"
)

func TestFormatRunSummarySuccess(t *testing.T) {
	started := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	summary := domain.RunSummary{
		ID:         "ab12cd34",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Minute),
		Reports: []domain.StageReport{
			{Stage: domain.StageFetch, Processed: 12, Skipped: 3},
			{Stage: domain.StageClassify, Processed: 12},
			{Stage: domain.StageExtract, Processed: 4, Failed: map[string]int{"schema_validation": 1}},
			{Stage: domain.StageRender, Processed: 4},
		},
	}

	formatted := FormatRunSummary(summary)

	mustContain(t, formatted, "✅ Прогон ab12cd34 завершён")
	mustContain(t, formatted, "Длительность: 3m0s")
	mustContain(t, formatted, "fetch: обработано 12, пропущено 3")
	mustContain(t, formatted, "extract: обработано 4, пропущено 0, сбоев 1 (schema_validation=1)")
}

func TestFormatRunSummaryFatal(t *testing.T) {
	summary := domain.RunSummary{
		ID:         "ab12cd34",
		FatalStage: domain.StageFetch,
		Reports: []domain.StageReport{
			{Stage: domain.StageFetch, Fatal: "нет сохранённой сессии"},
		},
	}

	formatted := FormatRunSummary(summary)

	mustContain(t, formatted, "❌ Прогон ab12cd34 остановлен на этапе fetch")
	mustContain(t, formatted, "фатально: нет сохранённой сессии")
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("строка отчёта о прогоне конвейера\n")
	}
	parts := splitMessage(b.String())
	if len(parts) < 2 {
		t.Fatalf("длинный отчёт должен разбиваться: %d частей", len(parts))
	}
	for i, part := range parts {
		if len([]rune(part)) > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d рун", i, len([]rune(part)))
		}
		if strings.HasPrefix(part, "\n") || strings.HasSuffix(part, "\n") {
			t.Fatalf("часть %d не обрезана по переводам строк", i)
		}
	}
}

func TestSplitMessageShortText(t *testing.T) {
	parts := splitMessage("  короткий отчёт  ")
	if len(parts) != 1 || parts[0] != "короткий отчёт" {
		t.Fatalf("короткий текст должен вернуться одной частью: %v", parts)
	}
	if got := splitMessage("   "); got != nil {
		t.Fatalf("пустой текст должен дать nil: %v", got)
	}
}

func mustContain(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("ожидали найти подстроку %q в %q", substr, s)
	}
}
