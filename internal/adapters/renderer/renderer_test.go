package renderer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tg-event-radar/internal/domain"
)

var renderNow = func() time.Time {
	return time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)
}

func testRenderer(t *testing.T) *Markdown {
	t.Helper()
	return NewMarkdown(t.TempDir()).WithNow(renderNow)
}

func successResult(date string) domain.ExtractionResult {
	return domain.ExtractionResult{
		Status: domain.ExtractionSuccess,
		Facts: &domain.EventFacts{
			Title:          "Warehouse Night",
			Date:           date,
			StartTime:      "23:00",
			Venue:          "The Depot",
			TicketLink:     "https://dice.fm/event/xyz",
			TicketLinkType: domain.TicketLinkTickets,
			Lineup:         []domain.Performer{{Name: "DJ Smth", Link: "https://soundcloud.com/dj-smth"}},
		},
	}
}

func testPost() domain.Post {
	return domain.Post{
		ID:  domain.PostID{Account: "ravechannel", MsgID: 42},
		URL: "https://t.me/ravechannel/42",
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	r := testRenderer(t)
	first, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("первый рендер: %v", err)
	}
	second, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("второй рендер: %v", err)
	}
	if !bytes.Equal(first.Content, second.Content) {
		t.Fatalf("повторный рендер должен давать байт-в-байт тот же документ")
	}
	onDisk, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("документ не записан: %v", err)
	}
	if !bytes.Equal(onDisk, first.Content) {
		t.Fatalf("содержимое на диске отличается от возвращённого")
	}
}

func TestRenderFileNameAndBuckets(t *testing.T) {
	r := testRenderer(t)

	future, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("рендер будущего события: %v", err)
	}
	if future.Bucket != domain.BucketFuture {
		t.Fatalf("событие впереди должно попасть в future: %+v", future)
	}
	if filepath.Base(future.Path) != "09-05-2026-warehouse-night.md" {
		t.Fatalf("неожиданное имя файла: %s", filepath.Base(future.Path))
	}

	today, err := r.Render(testPost(), successResult("2026-09-01"))
	if err != nil {
		t.Fatalf("рендер сегодняшнего события: %v", err)
	}
	if today.Bucket != domain.BucketFuture {
		t.Fatalf("сегодняшнее событие ещё не прошло: %+v", today)
	}

	past, err := r.Render(testPost(), successResult("2026-08-31"))
	if err != nil {
		t.Fatalf("рендер прошедшего события: %v", err)
	}
	if past.Bucket != domain.BucketPast {
		t.Fatalf("вчерашнее событие должно попасть в past: %+v", past)
	}
}

func TestRenderDropsStaleDocumentOnBucketChange(t *testing.T) {
	dir := t.TempDir()
	r := NewMarkdown(dir).WithNow(renderNow)

	first, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("первый рендер: %v", err)
	}
	if first.Bucket != domain.BucketFuture {
		t.Fatalf("до даты события документ живёт в future: %+v", first)
	}

	// Дата события прошла: тот же результат перерендеривается в past,
	// а документ в future не должен оставаться.
	r.WithNow(func() time.Time { return time.Date(2026, 9, 10, 15, 0, 0, 0, time.UTC) })
	second, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("повторный рендер: %v", err)
	}
	if second.Bucket != domain.BucketPast {
		t.Fatalf("после даты события документ живёт в past: %+v", second)
	}
	if _, err := os.Stat(second.Path); err != nil {
		t.Fatalf("новый документ не записан: %v", err)
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("устаревший документ в future должен быть удалён: %v", err)
	}
}

func TestRenderDropsStaleDocumentOnTitleChange(t *testing.T) {
	r := testRenderer(t)

	first, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("первый рендер: %v", err)
	}

	res := successResult("2026-09-05")
	res.Facts.Title = "Warehouse Night Vol 2"
	second, err := r.Render(testPost(), res)
	if err != nil {
		t.Fatalf("повторный рендер: %v", err)
	}
	if second.Path == first.Path {
		t.Fatalf("смена заголовка должна менять имя файла")
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("на пост должен остаться один документ: %v", err)
	}
	if _, err := os.Stat(second.Path); err != nil {
		t.Fatalf("новый документ не записан: %v", err)
	}
}

func TestRenderRejectsInsufficientFacts(t *testing.T) {
	r := testRenderer(t)

	res := successResult("2026-09-05")
	res.Facts.Title = ""
	if _, err := r.Render(testPost(), res); !errors.Is(err, domain.ErrInsufficientData) {
		t.Fatalf("пустой title: ожидали ErrInsufficientData, получили %v", err)
	}

	res = successResult("скоро")
	if _, err := r.Render(testPost(), res); !errors.Is(err, domain.ErrInsufficientData) {
		t.Fatalf("кривая дата: ожидали ErrInsufficientData, получили %v", err)
	}

	failed := domain.ExtractionResult{Status: domain.ExtractionFailed}
	if _, err := r.Render(testPost(), failed); !errors.Is(err, domain.ErrInsufficientData) {
		t.Fatalf("провал извлечения: ожидали ErrInsufficientData, получили %v", err)
	}
}

func TestRenderDMOnlyLocation(t *testing.T) {
	r := testRenderer(t)
	res := successResult("2026-09-05")
	res.Facts.Venue = ""
	res.Facts.Address = ""

	rendered, err := r.Render(testPost(), res)
	if err != nil {
		t.Fatalf("рендер: %v", err)
	}
	if !strings.Contains(string(rendered.Content), "TBA (location shared via DM)") {
		t.Fatalf("скрытая локация должна показываться как TBA:\n%s", rendered.Content)
	}
}

func TestRenderDocumentContent(t *testing.T) {
	r := testRenderer(t)
	rendered, err := r.Render(testPost(), successResult("2026-09-05"))
	if err != nil {
		t.Fatalf("рендер: %v", err)
	}
	content := string(rendered.Content)
	mustContain(t, content, "title: Warehouse Night")
	mustContain(t, content, "2026-09-05")
	mustContain(t, content, "source: https://t.me/ravechannel/42")
	mustContain(t, content, "# Warehouse Night")
	mustContain(t, content, "[Tickets](https://dice.fm/event/xyz)")
	mustContain(t, content, "[DJ Smth](https://soundcloud.com/dj-smth)")
}

func TestDocumentPathMatchesRender(t *testing.T) {
	r := testRenderer(t)
	res := successResult("2026-09-05")
	expected, err := r.DocumentPath(*res.Facts)
	if err != nil {
		t.Fatalf("DocumentPath: %v", err)
	}
	rendered, err := r.Render(testPost(), res)
	if err != nil {
		t.Fatalf("рендер: %v", err)
	}
	if expected != rendered.Path {
		t.Fatalf("пути расходятся: %s != %s", expected, rendered.Path)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Warehouse Night!":       "warehouse-night",
		"  DJ Smth b2b Another ": "dj-smth-b2b-another",
		"###":                    "event",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Fatalf("slugify(%q) = %q, ожидали %q", in, got, want)
		}
	}
}

func mustContain(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("ожидали найти подстроку %q в %q", substr, s)
	}
}
