package datastore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tg-event-radar/internal/domain"
)

func newTestStore(t *testing.T) *FS {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("не удалось создать датастор: %v", err)
	}
	return store
}

func testPost(msgID int64) (domain.Post, []domain.MediaBlob) {
	post := domain.Post{
		ID:            domain.PostID{Account: "ravechannel", MsgID: msgID},
		URL:           "https://t.me/ravechannel/42",
		PublishedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Caption:       "Secret rave, tickets in bio",
		Media:         []domain.Media{{Kind: domain.MediaPhoto, Name: "ravechannel_42_photo_1.jpg"}},
		FetchComplete: true,
	}
	blobs := []domain.MediaBlob{{Kind: domain.MediaPhoto, Name: "ravechannel_42_photo_1.jpg", Data: []byte("jpegbytes")}}
	return post, blobs
}

func TestPutPostStoresMediaBeforeMetadata(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(42)

	saved, err := store.PutPost(post, blobs)
	if err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	if !store.HasPost(post.ID) {
		t.Fatalf("пост должен быть зафиксирован после PutPost")
	}
	if len(saved.Media) != 1 || saved.Media[0].Path == "" {
		t.Fatalf("ожидали абсолютный путь медиа, получили %+v", saved.Media)
	}
	data, err := os.ReadFile(saved.Media[0].Path)
	if err != nil {
		t.Fatalf("медиафайл не прочитан: %v", err)
	}
	if string(data) != "jpegbytes" {
		t.Fatalf("медиабайты искажены: %q", data)
	}
}

func TestPutPostIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(42)

	if _, err := store.PutPost(post, blobs); err != nil {
		t.Fatalf("первая запись: %v", err)
	}
	changed := post
	changed.Caption = "другой текст"
	saved, err := store.PutPost(changed, nil)
	if err != nil {
		t.Fatalf("повторная запись: %v", err)
	}
	if saved.Caption != post.Caption {
		t.Fatalf("повторный PutPost не должен менять пост: %q", saved.Caption)
	}
}

func TestClassificationPerModelVersion(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(42)
	if _, err := store.PutPost(post, blobs); err != nil {
		t.Fatalf("PutPost: %v", err)
	}

	old := domain.ClassificationResult{
		PostID:       post.ID,
		ModelVersion: "clip-v1+p1",
		Score:        0.2,
		IsEvent:      false,
		EvaluatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	fresh := old
	fresh.ModelVersion = "clip-v2+p1"
	fresh.Score = 0.7
	fresh.IsEvent = true
	fresh.EvaluatedAt = old.EvaluatedAt.Add(time.Hour)

	if err := store.PutClassification(old); err != nil {
		t.Fatalf("запись старого вердикта: %v", err)
	}
	if err := store.PutClassification(fresh); err != nil {
		t.Fatalf("запись нового вердикта: %v", err)
	}

	got, err := store.Classification(post.ID, "clip-v1+p1")
	if err != nil {
		t.Fatalf("чтение старого вердикта: %v", err)
	}
	if got.IsEvent {
		t.Fatalf("вердикт старой версии не должен меняться")
	}
	all, err := store.Classifications(post.ID)
	if err != nil {
		t.Fatalf("чтение всех вердиктов: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ожидали два вердикта, получили %d", len(all))
	}
	if all[0].ModelVersion != "clip-v2+p1" {
		t.Fatalf("свежий вердикт должен идти первым, получили %s", all[0].ModelVersion)
	}
}

func TestClassificationRequiresCommittedPost(t *testing.T) {
	store := newTestStore(t)
	err := store.PutClassification(domain.ClassificationResult{
		PostID:       domain.PostID{Account: "ghost", MsgID: 1},
		ModelVersion: "clip-v1",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestExtractionsRetainSuperseded(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(42)
	if _, err := store.PutPost(post, blobs); err != nil {
		t.Fatalf("PutPost: %v", err)
	}

	first := domain.ExtractionResult{
		PostID:      post.ID,
		Status:      domain.ExtractionSuccess,
		Model:       "gpt-4o-mini",
		Fingerprint: "aaa111",
		Facts:       &domain.EventFacts{Title: "Warehouse Night", Date: "2026-09-05"},
		ExtractedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	second := first
	second.Fingerprint = "bbb222"
	second.ExtractedAt = first.ExtractedAt.Add(time.Hour)

	if err := store.PutExtraction(first); err != nil {
		t.Fatalf("первая запись: %v", err)
	}
	if err := store.PutExtraction(second); err != nil {
		t.Fatalf("вторая запись: %v", err)
	}

	if _, err := store.Extraction(post.ID, "aaa111"); err != nil {
		t.Fatalf("вытесненный результат должен сохраняться: %v", err)
	}
	all, err := store.Extractions(post.ID)
	if err != nil {
		t.Fatalf("чтение извлечений: %v", err)
	}
	if len(all) != 2 || all[0].Fingerprint != "bbb222" {
		t.Fatalf("ожидали свежий результат первым, получили %+v", all)
	}
}

func TestForEachPostSkipsUncommitted(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(10)
	if _, err := store.PutPost(post, blobs); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	later, _ := testPost(11)
	if _, err := store.PutPost(later, nil); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	// Каталог с медиа, но без post.json: выгрузка оборвалась до фиксации.
	partial := filepath.Join(store.Root(), "ravechannel", "12", "media")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("подготовка каталога: %v", err)
	}

	var seen []int64
	err := store.ForEachPost(domain.PostFilter{}, func(p domain.Post) error {
		seen = append(seen, p.ID.MsgID)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachPost: %v", err)
	}
	if len(seen) != 2 || seen[0] != 10 || seen[1] != 11 {
		t.Fatalf("ожидали посты 10 и 11 по порядку, получили %v", seen)
	}
}

func TestAccountStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AccountState("ravechannel"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound для нового аккаунта, получили %v", err)
	}
	state := domain.AccountState{
		Handle:      "ravechannel",
		LastFetchAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
		LastMsgID:   42,
	}
	if err := store.SaveAccountState(state); err != nil {
		t.Fatalf("SaveAccountState: %v", err)
	}
	got, err := store.AccountState("ravechannel")
	if err != nil {
		t.Fatalf("AccountState: %v", err)
	}
	if got.LastMsgID != 42 || !got.LastFetchAt.Equal(state.LastFetchAt) {
		t.Fatalf("курсор искажён: %+v", got)
	}
}

func TestFrameDirLivesOutsideMedia(t *testing.T) {
	store := newTestStore(t)
	post, blobs := testPost(42)
	if _, err := store.PutPost(post, blobs); err != nil {
		t.Fatalf("PutPost: %v", err)
	}
	dir, err := store.FrameDir(post.ID)
	if err != nil {
		t.Fatalf("FrameDir: %v", err)
	}
	if filepath.Base(dir) != "frames" {
		t.Fatalf("ожидали каталог frames, получили %s", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("каталог кадров не создан: %v", err)
	}
}
