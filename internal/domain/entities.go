package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostID идентифицирует пост канала: алиас аккаунта и номер сообщения.
type PostID struct {
	Account string
	MsgID   int64
}

// String возвращает каноничную форму "alias/msgid".
func (id PostID) String() string {
	return fmt.Sprintf("%s/%d", id.Account, id.MsgID)
}

// ParsePostID разбирает строку вида "alias/msgid".
func ParsePostID(raw string) (PostID, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return PostID{}, fmt.Errorf("некорректный идентификатор поста: %q", raw)
	}
	msgID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || msgID <= 0 {
		return PostID{}, fmt.Errorf("некорректный идентификатор поста: %q", raw)
	}
	return PostID{Account: parts[0], MsgID: msgID}, nil
}

// Account описывает опрашиваемый канал-источник.
type Account struct {
	Handle string
	Title  string
}

// AccountState хранит курсор последнего успешного опроса аккаунта.
type AccountState struct {
	Handle      string    `json:"handle"`
	LastFetchAt time.Time `json:"last_fetch_at"`
	LastMsgID   int64     `json:"last_msg_id"`
}

// MediaKind различает фото и видео.
type MediaKind string

const (
	// MediaPhoto фотография.
	MediaPhoto MediaKind = "photo"
	// MediaVideo видеоролик.
	MediaVideo MediaKind = "video"
)

// Media описывает один медиафайл поста. Path абсолютный после чтения из хранилища.
type Media struct {
	Kind MediaKind `json:"kind"`
	Name string    `json:"name"`
	Path string    `json:"-"`
}

// Post представляет один выгруженный пост. После записи caption и media
// считаются неизменяемыми фактами.
type Post struct {
	ID            PostID    `json:"-"`
	URL           string    `json:"url"`
	PublishedAt   time.Time `json:"published_at"`
	Caption       string    `json:"caption"`
	Media         []Media   `json:"media"`
	FetchComplete bool      `json:"fetch_complete"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// MediaBlob переносит байты медиафайла до записи в хранилище.
type MediaBlob struct {
	Kind MediaKind
	Name string
	Data []byte
}

// CollectedPost связывает нормализованный пост с его медиабайтами.
type CollectedPost struct {
	Post  Post
	Blobs []MediaBlob
}

// ClassificationResult — вердикт классификатора по одному посту.
// На пару (пост, версия модели) хранится не более одного результата.
type ClassificationResult struct {
	PostID       PostID             `json:"-"`
	ModelVersion string             `json:"model_version"`
	Score        float64            `json:"score"`
	Threshold    float64            `json:"threshold"`
	IsEvent      bool               `json:"is_event"`
	Skipped      bool               `json:"skipped,omitempty"`
	SkipReason   string             `json:"skip_reason,omitempty"`
	Details      map[string]float64 `json:"details,omitempty"`
	EvaluatedAt  time.Time          `json:"evaluated_at"`
}

// ExtractionStatus — статус извлечения фактов.
type ExtractionStatus string

const (
	// ExtractionSuccess извлечение завершилось валидным ответом.
	ExtractionSuccess ExtractionStatus = "success"
	// ExtractionFailed схема не прошла валидацию после всех повторов.
	ExtractionFailed ExtractionStatus = "failed"
	// ExtractionSkipped пост пропущен (например, нечего извлекать).
	ExtractionSkipped ExtractionStatus = "skipped"
)

// Performer — участник лайнапа с опциональной ссылкой.
type Performer struct {
	Name string `json:"name" yaml:"name"`
	Link string `json:"link,omitempty" yaml:"link,omitempty"`
}

// TicketLinkType различает билетные и информационные ссылки.
type TicketLinkType string

const (
	// TicketLinkTickets ссылка ведёт на продажу билетов.
	TicketLinkTickets TicketLinkType = "tickets"
	// TicketLinkInfo ссылка информационная.
	TicketLinkInfo TicketLinkType = "info"
)

// EventFacts — структурированные факты о событии.
type EventFacts struct {
	Title          string         `json:"title"`
	Date           string         `json:"date"`
	StartTime      string         `json:"start_time,omitempty"`
	EndTime        string         `json:"end_time,omitempty"`
	Venue          string         `json:"venue,omitempty"`
	Address        string         `json:"address,omitempty"`
	TicketLink     string         `json:"ticket_link,omitempty"`
	TicketLinkType TicketLinkType `json:"ticket_link_type,omitempty"`
	Lineup         []Performer    `json:"lineup,omitempty"`
}

// EventDate возвращает дату события.
func (f EventFacts) EventDate() (time.Time, error) {
	return time.Parse("2006-01-02", f.Date)
}

// ExtractionResult — результат извлечения для одного поста. Результаты не
// перезаписываются: новая выгрузка создаёт запись с новым фингерпринтом.
type ExtractionResult struct {
	PostID        PostID           `json:"-"`
	Status        ExtractionStatus `json:"status"`
	Model         string           `json:"model"`
	PromptVersion string           `json:"prompt_version"`
	Fingerprint   string           `json:"fingerprint"`
	Facts         *EventFacts      `json:"facts,omitempty"`
	Error         string           `json:"error,omitempty"`
	ExtractedAt   time.Time        `json:"extracted_at"`
}

// EventBucket — корзина документа относительно даты рендера.
type EventBucket string

const (
	// BucketFuture событие сегодня или позже.
	BucketFuture EventBucket = "future"
	// BucketPast событие уже прошло.
	BucketPast EventBucket = "past"
)

// RenderedEvent — готовый документ события.
type RenderedEvent struct {
	PostID  PostID
	Bucket  EventBucket
	Path    string
	Content []byte
}

// Stage — этап конвейера.
type Stage string

const (
	// StageFetch выгрузка постов.
	StageFetch Stage = "fetch"
	// StageClassify классификация.
	StageClassify Stage = "classify"
	// StageExtract извлечение фактов.
	StageExtract Stage = "extract"
	// StageRender рендеринг документов.
	StageRender Stage = "render"
)

// StageReport — машинно-читаемый итог одного этапа.
type StageReport struct {
	Stage     Stage          `json:"stage"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Failed    map[string]int `json:"failed,omitempty"`
	Fatal     string         `json:"fatal,omitempty"`
}

// FailedTotal возвращает суммарное число сбоев по категориям.
func (r StageReport) FailedTotal() int {
	total := 0
	for _, n := range r.Failed {
		total += n
	}
	return total
}

// AddFailure увеличивает счётчик сбоев категории.
func (r *StageReport) AddFailure(category string) {
	if r.Failed == nil {
		r.Failed = make(map[string]int)
	}
	r.Failed[category]++
}

// RunSummary агрегирует итоги полного прогона конвейера.
type RunSummary struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Reports    []StageReport `json:"reports"`
	FatalStage Stage         `json:"fatal_stage,omitempty"`
}

// Fatal сообщает, завершился ли прогон фатально на каком-то этапе.
func (s RunSummary) Fatal() bool {
	return s.FatalStage != ""
}

// StageProgress — счётчики одного этапа для отчёта о прогрессе.
type StageProgress struct {
	Pending int            `json:"pending"`
	Done    int            `json:"done"`
	Failed  int            `json:"failed"`
	ByError map[string]int `json:"by_error,omitempty"`
}

// Progress — снимок состояния датастора по этапам. Строится сканированием
// хранилища и не имеет побочных эффектов.
type Progress struct {
	Posts     int           `json:"posts"`
	EventHits int           `json:"event_hits"`
	Classify  StageProgress `json:"classify"`
	Extract   StageProgress `json:"extract"`
	Render    StageProgress `json:"render"`
}
