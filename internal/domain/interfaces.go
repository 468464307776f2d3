package domain

import (
	"context"
	"time"
)

// PostFilter задаёт условия перечисления постов.
type PostFilter struct {
	Account string
}

// Datastore владеет всеми персистентными сущностями конвейера.
// Записи атомарны по-сущностно: метаданные фиксируются только после медиа.
type Datastore interface {
	// Post возвращает пост или ErrNotFound.
	Post(id PostID) (Post, error)
	// HasPost сообщает о наличии зафиксированного поста.
	HasPost(id PostID) bool
	// PutPost идемпотентно сохраняет пост вместе с медиабайтами.
	PutPost(post Post, blobs []MediaBlob) (Post, error)
	// PutClassification сохраняет вердикт для пары (пост, версия модели).
	PutClassification(res ClassificationResult) error
	// Classification возвращает вердикт или ErrNotFound.
	Classification(id PostID, modelVersion string) (ClassificationResult, error)
	// Classifications возвращает все сохранённые вердикты поста.
	Classifications(id PostID) ([]ClassificationResult, error)
	// PutExtraction сохраняет результат извлечения под его фингерпринтом.
	PutExtraction(res ExtractionResult) error
	// Extraction возвращает результат с данным фингерпринтом или ErrNotFound.
	Extraction(id PostID, fingerprint string) (ExtractionResult, error)
	// Extractions возвращает все результаты извлечения поста, свежие первыми.
	Extractions(id PostID) ([]ExtractionResult, error)
	// ForEachPost перебирает посты; возврат ошибки прекращает обход.
	ForEachPost(filter PostFilter, fn func(Post) error) error
	// AccountState возвращает курсор аккаунта или ErrNotFound.
	AccountState(handle string) (AccountState, error)
	// SaveAccountState обновляет курсор после успешного опроса.
	SaveAccountState(state AccountState) error
	// FrameDir возвращает каталог для извлечённых кадров поста.
	FrameDir(id PostID) (string, error)
}

// Collector выгружает посты платформы в рамках одной авторизованной сессии.
type Collector interface {
	// Connect выполняет fn внутри подключения; без валидной сессии
	// возвращает ErrAuthentication или ErrSessionExpired.
	Connect(ctx context.Context, fn func(ctx context.Context) error) error
	// CollectRecent возвращает до limit свежих постов аккаунта.
	CollectRecent(ctx context.Context, account Account, limit int) ([]CollectedPost, error)
}

// Embedder отображает кадры и тексты в векторы фиксированной размерности.
type Embedder interface {
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// Version идентифицирует модель и веса энкодера.
	Version() string
}

// Classifier решает, описывает ли пост событие.
type Classifier interface {
	// Prepare однократно готовит текстовые эмбеддинги цели.
	Prepare(ctx context.Context) error
	Classify(ctx context.Context, post Post, frameDir string) (ClassificationResult, error)
	// ModelVersion — тег версии, под которым сохраняются вердикты.
	ModelVersion() string
}

// Extractor превращает пост-событие в структурированные факты.
type Extractor interface {
	Extract(ctx context.Context, post Post) (ExtractionResult, error)
}

// Renderer детерминированно отображает факты на шаблон документа.
type Renderer interface {
	Render(post Post, res ExtractionResult) (RenderedEvent, error)
	// DocumentPath возвращает ожидаемый путь документа без записи.
	DocumentPath(facts EventFacts) (string, error)
}

// ProfileResolver сопоставляет имена исполнителей с хэндлами платформы.
type ProfileResolver interface {
	// ResolveHandle возвращает хэндл или пустую строку, если совпадения нет.
	ResolveHandle(ctx context.Context, name string, mentions []string) (string, error)
	// ProfileLinks возвращает внешние ссылки профиля.
	ProfileLinks(ctx context.Context, handle string) ([]string, error)
}

// Notifier доставляет оператору итог прогона.
type Notifier interface {
	NotifyRun(ctx context.Context, summary RunSummary) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
