package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

// fakeEmbedder отдаёт заранее заданные векторы по базовому имени файла.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) EmbedImages(_ context.Context, paths []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, 0, len(paths))
	for _, p := range paths {
		v, ok := f.vectors[filepath.Base(p)]
		if !ok {
			v = []float32{0, 1}
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for range texts {
		out = append(out, []float32{1, 0})
	}
	return out, nil
}

func (f *fakeEmbedder) Version() string { return "fake-clip-v1" }

func newTestClassifier(embedder *fakeEmbedder) *EventClassifier {
	return New(embedder, Config{Threshold: 0.30, FrameSamples: 3, StaticHashDist: 5}, zerolog.Nop())
}

func photoMedia(t *testing.T, dir, name string) domain.Media {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatalf("подготовка файла: %v", err)
	}
	return domain.Media{Kind: domain.MediaPhoto, Name: name, Path: path}
}

func TestClassifyTakesMaxScoreOverFrames(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"flyer.jpg": {1, 0},
		"cat.jpg":   {0, 1},
	}}
	cl := newTestClassifier(embedder)
	dir := t.TempDir()
	post := domain.Post{
		ID:      domain.PostID{Account: "ravechannel", MsgID: 1},
		Caption: "see you there",
		Media:   []domain.Media{photoMedia(t, dir, "cat.jpg"), photoMedia(t, dir, "flyer.jpg")},
	}

	res, err := cl.Classify(context.Background(), post, dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Score < 0.99 {
		t.Fatalf("ожидали максимум по кадрам ~1.0, получили %f", res.Score)
	}
	if !res.IsEvent {
		t.Fatalf("пост с афишей должен быть событием")
	}
	if res.ModelVersion != "fake-clip-v1+p1" {
		t.Fatalf("неожиданная версия модели: %s", res.ModelVersion)
	}
}

func TestClassifyBelowThresholdIsNotEvent(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{"cat.jpg": {0, 1}}}
	cl := newTestClassifier(embedder)
	dir := t.TempDir()
	post := domain.Post{
		ID:    domain.PostID{Account: "ravechannel", MsgID: 2},
		Media: []domain.Media{photoMedia(t, dir, "cat.jpg")},
	}

	res, err := cl.Classify(context.Background(), post, dir)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.IsEvent {
		t.Fatalf("кот не должен быть событием, score=%f", res.Score)
	}
	if res.Skipped {
		t.Fatalf("низкий балл — это вердикт, а не пропуск")
	}
}

func TestClassifyCaptionFallbackWithoutMedia(t *testing.T) {
	cl := newTestClassifier(&fakeEmbedder{})
	post := domain.Post{
		ID:      domain.PostID{Account: "ravechannel", MsgID: 3},
		Caption: "Secret rave! Tickets and lineup in bio, doors at 11pm",
	}

	res, err := cl.Classify(context.Background(), post, t.TempDir())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Skipped {
		t.Fatalf("пост с подписью не должен пропускаться")
	}
	if !res.IsEvent {
		t.Fatalf("подпись с билетами и лайнапом должна дать событие, score=%f", res.Score)
	}
	if res.Details["keyword_score"] <= 0 {
		t.Fatalf("keyword_score должен попасть в детали: %+v", res.Details)
	}
}

func TestClassifySkipsPostWithoutSignal(t *testing.T) {
	cl := newTestClassifier(&fakeEmbedder{})
	post := domain.Post{ID: domain.PostID{Account: "ravechannel", MsgID: 4}}

	res, err := cl.Classify(context.Background(), post, t.TempDir())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !res.Skipped || res.SkipReason != "no_signal" {
		t.Fatalf("ожидали пропуск no_signal, получили %+v", res)
	}
}

func TestClassifySkipsOnVideoDecodeFailure(t *testing.T) {
	embedder := &fakeEmbedder{}
	cl := newTestClassifier(embedder)
	post := domain.Post{
		ID:    domain.PostID{Account: "ravechannel", MsgID: 5},
		Media: []domain.Media{{Kind: domain.MediaVideo, Name: "broken.mp4", Path: "/nonexistent/broken.mp4"}},
	}

	res, err := cl.Classify(context.Background(), post, t.TempDir())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !res.Skipped || res.SkipReason != "media_decode" {
		t.Fatalf("ожидали пропуск media_decode, получили %+v", res)
	}
	if embedder.calls != 0 {
		t.Fatalf("энкодер не должен вызываться без кадров")
	}
}

func TestFrameOffsets(t *testing.T) {
	offsets := frameOffsets(30, 3)
	if len(offsets) != 3 {
		t.Fatalf("ожидали три точки выборки, получили %v", offsets)
	}
	if offsets[0] != 1 || offsets[1] != 15 || offsets[2] != 28 {
		t.Fatalf("неожиданные точки выборки: %v", offsets)
	}
	short := frameOffsets(1.5, 3)
	if len(short) != 1 || short[0] != 0 {
		t.Fatalf("короткий ролик должен дать один кадр с нуля: %v", short)
	}
}

func TestCaptionScoreIsMonotonic(t *testing.T) {
	little := captionScore("party tonight")
	lots := captionScore("party tonight, tickets and lineup, doors 23:00, presale live")
	if lots <= little {
		t.Fatalf("больше ключевых слов должно давать больший балл: %f <= %f", lots, little)
	}
	if lots > 1 {
		t.Fatalf("балл должен быть ограничен единицей: %f", lots)
	}
}
