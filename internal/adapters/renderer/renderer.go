package renderer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tg-event-radar/internal/domain"
)

const maxSlugLen = 60

// frontmatter сериализуется в заголовок документа. Порядок полей фиксирован
// структурой, поэтому рендер детерминирован.
type frontmatter struct {
	Title      string             `yaml:"title"`
	Date       string             `yaml:"date"`
	StartTime  string             `yaml:"start_time,omitempty"`
	EndTime    string             `yaml:"end_time,omitempty"`
	Venue      string             `yaml:"venue,omitempty"`
	Address    string             `yaml:"address,omitempty"`
	TicketLink string             `yaml:"ticket_link,omitempty"`
	LinkType   string             `yaml:"ticket_link_type,omitempty"`
	Lineup     []domain.Performer `yaml:"lineup,omitempty"`
	Source     string             `yaml:"source"`
}

// Markdown пишет документы событий в каталоги future/ и past/.
// Повторный рендер тех же фактов даёт байт-в-байт тот же документ.
type Markdown struct {
	eventsDir string
	now       func() time.Time
}

var _ domain.Renderer = (*Markdown)(nil)

func NewMarkdown(eventsDir string) *Markdown {
	return &Markdown{eventsDir: eventsDir, now: time.Now}
}

// WithNow подменяет источник времени. Нужен тестам корзин future/past.
func (r *Markdown) WithNow(now func() time.Time) *Markdown {
	r.now = now
	return r
}

// Render строит документ события и записывает его атомарно.
func (r *Markdown) Render(post domain.Post, res domain.ExtractionResult) (domain.RenderedEvent, error) {
	facts, err := r.validate(res)
	if err != nil {
		return domain.RenderedEvent{}, err
	}

	path, bucket, err := r.documentPath(*facts)
	if err != nil {
		return domain.RenderedEvent{}, err
	}
	content, err := renderDocument(post, *facts)
	if err != nil {
		return domain.RenderedEvent{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.RenderedEvent{}, fmt.Errorf("каталог документов: %w", err)
	}
	if err := writeAtomic(path, content); err != nil {
		return domain.RenderedEvent{}, fmt.Errorf("запись документа %s: %w", filepath.Base(path), err)
	}
	r.removeStale(post.URL, path)
	return domain.RenderedEvent{PostID: post.ID, Bucket: bucket, Path: path, Content: content}, nil
}

// removeStale удаляет прежние документы того же поста: смена корзины или
// повторное извлечение не должны оставлять два документа на один пост.
func (r *Markdown) removeStale(postURL, keep string) {
	for _, bucket := range []domain.EventBucket{domain.BucketFuture, domain.BucketPast} {
		dir := filepath.Join(r.eventsDir, string(bucket))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if path == keep {
				continue
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if hasSource(raw, postURL) {
				_ = os.Remove(path)
			}
		}
	}
}

func hasSource(raw []byte, postURL string) bool {
	return bytes.Contains(raw, []byte("source: "+postURL+"\n")) ||
		bytes.Contains(raw, []byte("source: \""+postURL+"\"\n"))
}

// DocumentPath возвращает ожидаемый путь документа без записи.
func (r *Markdown) DocumentPath(facts domain.EventFacts) (string, error) {
	path, _, err := r.documentPath(facts)
	return path, err
}

func (r *Markdown) validate(res domain.ExtractionResult) (*domain.EventFacts, error) {
	if res.Status != domain.ExtractionSuccess || res.Facts == nil {
		return nil, fmt.Errorf("%w: нет успешного извлечения", domain.ErrInsufficientData)
	}
	facts := res.Facts
	if strings.TrimSpace(facts.Title) == "" {
		return nil, fmt.Errorf("%w: пустой title", domain.ErrInsufficientData)
	}
	if _, err := facts.EventDate(); err != nil {
		return nil, fmt.Errorf("%w: некорректная дата %q", domain.ErrInsufficientData, facts.Date)
	}
	return facts, nil
}

func (r *Markdown) documentPath(facts domain.EventFacts) (string, domain.EventBucket, error) {
	eventDate, err := facts.EventDate()
	if err != nil {
		return "", "", fmt.Errorf("%w: некорректная дата %q", domain.ErrInsufficientData, facts.Date)
	}
	bucket := r.bucket(eventDate)
	name := fmt.Sprintf("%s-%s.md", eventDate.Format("01-02-2006"), slugify(facts.Title))
	return filepath.Join(r.eventsDir, string(bucket), name), bucket, nil
}

// bucket относит событие к future, если его дата не раньше сегодняшней.
func (r *Markdown) bucket(eventDate time.Time) domain.EventBucket {
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if eventDate.Before(today) {
		return domain.BucketPast
	}
	return domain.BucketFuture
}

func renderDocument(post domain.Post, facts domain.EventFacts) ([]byte, error) {
	fm := frontmatter{
		Title:      facts.Title,
		Date:       facts.Date,
		StartTime:  facts.StartTime,
		EndTime:    facts.EndTime,
		Venue:      facts.Venue,
		Address:    facts.Address,
		TicketLink: facts.TicketLink,
		LinkType:   string(facts.TicketLinkType),
		Lineup:     facts.Lineup,
		Source:     post.URL,
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("сериализация фронтматтера: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("сериализация фронтматтера: %w", err)
	}
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# %s\n\n", facts.Title)
	fmt.Fprintf(&buf, "**When:** %s%s\n\n", facts.Date, timeRange(facts))
	fmt.Fprintf(&buf, "**Where:** %s\n\n", location(facts))
	if len(facts.Lineup) > 0 {
		buf.WriteString("## Lineup\n\n")
		for _, p := range facts.Lineup {
			if p.Link != "" {
				fmt.Fprintf(&buf, "- [%s](%s)\n", p.Name, p.Link)
			} else {
				fmt.Fprintf(&buf, "- %s\n", p.Name)
			}
		}
		buf.WriteString("\n")
	}
	if facts.TicketLink != "" {
		label := "More info"
		if facts.TicketLinkType == domain.TicketLinkTickets {
			label = "Tickets"
		}
		fmt.Fprintf(&buf, "[%s](%s)\n\n", label, facts.TicketLink)
	}
	fmt.Fprintf(&buf, "[Original post](%s)\n", post.URL)
	return buf.Bytes(), nil
}

func timeRange(facts domain.EventFacts) string {
	switch {
	case facts.StartTime != "" && facts.EndTime != "":
		return fmt.Sprintf(", %s-%s", facts.StartTime, facts.EndTime)
	case facts.StartTime != "":
		return ", " + facts.StartTime
	default:
		return ""
	}
}

// location собирает строку места. Скрытая локация показывается как TBA.
func location(facts domain.EventFacts) string {
	switch {
	case facts.Venue != "" && facts.Address != "":
		return facts.Venue + ", " + facts.Address
	case facts.Venue != "":
		return facts.Venue
	case facts.Address != "":
		return facts.Address
	default:
		return "TBA (location shared via DM)"
	}
}

func slugify(title string) string {
	lowered := strings.ToLower(title)
	var b strings.Builder
	lastDash := true
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "event"
	}
	return slug
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
