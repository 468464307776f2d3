package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

// promptRev входит в версию модели: правка целевых текстов или ключевых
// слов инвалидирует сохранённые вердикты.
const promptRev = 1

// Целевые описания афиши события для zero-shot сравнения.
var targetTexts = []string{
	"a flyer or poster announcing a music event with a date, time and venue",
	"an announcement of a party, concert or festival with a lineup of artists",
	"a promotional graphic for an upcoming nightlife event with ticket information",
}

// Ключевые слова подписи с весами. Используются как запасной сигнал для
// постов без медиа и как дополнительная деталь вердикта.
var captionKeywords = map[string]float64{
	"tickets":  0.30,
	"ticket":   0.30,
	"lineup":   0.30,
	"line-up":  0.30,
	"doors":    0.25,
	"presale":  0.25,
	"rsvp":     0.25,
	"venue":    0.20,
	"dj":       0.15,
	"live":     0.10,
	"party":    0.15,
	"rave":     0.20,
	"festival": 0.20,
	"b2b":      0.15,
}

// Config настраивает классификатор событий.
type Config struct {
	Threshold      float64
	FrameSamples   int
	StaticHashDist int
}

// EventClassifier оценивает, является ли пост анонсом события: максимум
// косинусной близости кадров поста к целевым текстам энкодера.
type EventClassifier struct {
	embedder domain.Embedder
	sampler  *FrameSampler
	cfg      Config
	log      zerolog.Logger

	target []float32
	now    func() time.Time
}

var _ domain.Classifier = (*EventClassifier)(nil)

func New(embedder domain.Embedder, cfg Config, log zerolog.Logger) *EventClassifier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.30
	}
	return &EventClassifier{
		embedder: embedder,
		sampler:  NewFrameSampler(cfg.FrameSamples, cfg.StaticHashDist, log),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// ModelVersion объединяет версию энкодера и ревизию целевых текстов.
func (c *EventClassifier) ModelVersion() string {
	return fmt.Sprintf("%s+p%d", c.embedder.Version(), promptRev)
}

// Prepare однократно считает и усредняет эмбеддинги целевых текстов.
func (c *EventClassifier) Prepare(ctx context.Context) error {
	if c.target != nil {
		return nil
	}
	vectors, err := c.embedder.EmbedTexts(ctx, targetTexts)
	if err != nil {
		return fmt.Errorf("эмбеддинг целевых текстов: %w", err)
	}
	if len(vectors) == 0 {
		return errors.New("энкодер вернул пустой ответ на целевые тексты")
	}
	c.target = normalize(meanVector(vectors))
	return nil
}

// Classify выносит вердикт по одному посту. Кадры видео извлекаются в
// frameDir поста и переиспользуются между прогонами.
func (c *EventClassifier) Classify(ctx context.Context, post domain.Post, frameDir string) (domain.ClassificationResult, error) {
	res := domain.ClassificationResult{
		PostID:       post.ID,
		ModelVersion: c.ModelVersion(),
		Threshold:    c.cfg.Threshold,
		Details:      map[string]float64{},
		EvaluatedAt:  c.now().UTC(),
	}

	paths, decodeFailures := c.collectImages(ctx, post, frameDir)
	res.Details["images"] = float64(len(paths))
	keywordScore := captionScore(post.Caption)
	res.Details["keyword_score"] = keywordScore

	if len(paths) == 0 {
		if decodeFailures > 0 {
			res.Skipped = true
			res.SkipReason = "media_decode"
			return res, nil
		}
		if strings.TrimSpace(post.Caption) == "" {
			res.Skipped = true
			res.SkipReason = "no_signal"
			return res, nil
		}
		// Пост без медиа оценивается только по подписи.
		res.Score = keywordScore
		res.IsEvent = res.Score >= c.cfg.Threshold
		return res, nil
	}

	if c.target == nil {
		if err := c.Prepare(ctx); err != nil {
			return domain.ClassificationResult{}, err
		}
	}
	vectors, err := c.embedder.EmbedImages(ctx, paths)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("эмбеддинг кадров %s: %w", post.ID, err)
	}

	best := 0.0
	for _, v := range vectors {
		if score := cosine(normalize(v), c.target); score > best {
			best = score
		}
	}
	res.Score = best
	res.IsEvent = best >= c.cfg.Threshold
	return res, nil
}

// collectImages собирает пути фото и сэмплированных кадров видео.
func (c *EventClassifier) collectImages(ctx context.Context, post domain.Post, frameDir string) (paths []string, decodeFailures int) {
	for _, media := range post.Media {
		switch media.Kind {
		case domain.MediaPhoto:
			if media.Path != "" {
				paths = append(paths, media.Path)
			}
		case domain.MediaVideo:
			frames, err := c.sampler.Sample(ctx, media.Path, frameDir)
			if err != nil {
				decodeFailures++
				c.log.Warn().Err(err).Str("post", post.ID.String()).Msg("classifier: видео пропущено")
				continue
			}
			paths = append(paths, frames...)
		}
	}
	return paths, decodeFailures
}

func captionScore(caption string) float64 {
	lowered := strings.ToLower(caption)
	score := 0.0
	for word, weight := range captionKeywords {
		if strings.Contains(lowered, word) {
			score += weight
		}
	}
	return math.Min(score, 1)
}

func meanVector(vectors [][]float32) []float32 {
	mean := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i := range v {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float32(len(vectors))
	}
	return mean
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
