package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tg-event-radar/internal/domain"
)

const (
	postFile     = "post.json"
	mediaDir     = "media"
	framesDir    = "frames"
	classifyDir  = "classification"
	extractDir   = "extraction"
	accountsFile = "accounts.json"
)

// FS реализует domain.Datastore поверх файловой системы. Каждый пост живёт в
// каталоге <root>/<account>/<msgid>; запись post.json — точка фиксации, медиа
// пишутся раньше метаданных, все записи — через temp-файл и rename.
type FS struct {
	root string

	accountsMu sync.Mutex

	postLocks sync.Map // PostID.String() -> *sync.Mutex
}

var _ domain.Datastore = (*FS)(nil)

// New создаёт датастор, гарантируя существование корня.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("датастор: разворачивание пути: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("датастор: создание корня: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root возвращает абсолютный корень хранилища.
func (s *FS) Root() string { return s.root }

func (s *FS) postDir(id domain.PostID) string {
	return filepath.Join(s.root, id.Account, strconv.FormatInt(id.MsgID, 10))
}

func (s *FS) lock(id domain.PostID) func() {
	value, _ := s.postLocks.LoadOrStore(id.String(), &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// writeAtomic пишет файл через временное имя в том же каталоге и rename,
// чтобы читатель никогда не видел полузаписанный файл.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// HasPost сообщает о наличии зафиксированного поста.
func (s *FS) HasPost(id domain.PostID) bool {
	_, err := os.Stat(filepath.Join(s.postDir(id), postFile))
	return err == nil
}

// Post возвращает пост с абсолютными путями медиа.
func (s *FS) Post(id domain.PostID) (domain.Post, error) {
	raw, err := os.ReadFile(filepath.Join(s.postDir(id), postFile))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Post{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("чтение поста %s: %w", id, err)
	}
	var post domain.Post
	if err := json.Unmarshal(raw, &post); err != nil {
		return domain.Post{}, fmt.Errorf("разбор поста %s: %w", id, err)
	}
	post.ID = id
	for i := range post.Media {
		post.Media[i].Path = filepath.Join(s.postDir(id), mediaDir, post.Media[i].Name)
	}
	return post, nil
}

// PutPost идемпотентно сохраняет пост: медиабайты записываются до метаданных,
// повторная запись существующего поста — no-op.
func (s *FS) PutPost(post domain.Post, blobs []domain.MediaBlob) (domain.Post, error) {
	unlock := s.lock(post.ID)
	defer unlock()

	if s.HasPost(post.ID) {
		return s.Post(post.ID)
	}

	dir := s.postDir(post.ID)
	for _, blob := range blobs {
		target := filepath.Join(dir, mediaDir, blob.Name)
		if err := writeAtomic(target, blob.Data, 0o644); err != nil {
			return domain.Post{}, fmt.Errorf("запись медиа %s/%s: %w", post.ID, blob.Name, err)
		}
	}

	if post.FetchedAt.IsZero() {
		post.FetchedAt = time.Now().UTC()
	}
	raw, err := marshalIndent(post)
	if err != nil {
		return domain.Post{}, fmt.Errorf("сериализация поста %s: %w", post.ID, err)
	}
	if err := writeAtomic(filepath.Join(dir, postFile), raw, 0o644); err != nil {
		return domain.Post{}, fmt.Errorf("запись поста %s: %w", post.ID, err)
	}
	return s.Post(post.ID)
}

// sanitizeKey превращает версию модели или фингерпринт в безопасное имя файла.
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PutClassification сохраняет вердикт для пары (пост, версия модели).
func (s *FS) PutClassification(res domain.ClassificationResult) error {
	unlock := s.lock(res.PostID)
	defer unlock()

	if !s.HasPost(res.PostID) {
		return domain.ErrNotFound
	}
	raw, err := marshalIndent(res)
	if err != nil {
		return fmt.Errorf("сериализация вердикта %s: %w", res.PostID, err)
	}
	path := filepath.Join(s.postDir(res.PostID), classifyDir, sanitizeKey(res.ModelVersion)+".json")
	if err := writeAtomic(path, raw, 0o644); err != nil {
		return fmt.Errorf("запись вердикта %s: %w", res.PostID, err)
	}
	return nil
}

// Classification возвращает вердикт версии модели или ErrNotFound.
func (s *FS) Classification(id domain.PostID, modelVersion string) (domain.ClassificationResult, error) {
	path := filepath.Join(s.postDir(id), classifyDir, sanitizeKey(modelVersion)+".json")
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ClassificationResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("чтение вердикта %s: %w", id, err)
	}
	var res domain.ClassificationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("разбор вердикта %s: %w", id, err)
	}
	res.PostID = id
	return res, nil
}

// Classifications возвращает все вердикты поста.
func (s *FS) Classifications(id domain.PostID) ([]domain.ClassificationResult, error) {
	dir := filepath.Join(s.postDir(id), classifyDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение вердиктов %s: %w", id, err)
	}
	var out []domain.ClassificationResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var res domain.ClassificationResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		res.PostID = id
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	return out, nil
}

// PutExtraction сохраняет результат извлечения под его фингерпринтом;
// прежние результаты не перезаписываются.
func (s *FS) PutExtraction(res domain.ExtractionResult) error {
	unlock := s.lock(res.PostID)
	defer unlock()

	if !s.HasPost(res.PostID) {
		return domain.ErrNotFound
	}
	if res.Fingerprint == "" {
		return fmt.Errorf("результат извлечения %s без фингерпринта", res.PostID)
	}
	raw, err := marshalIndent(res)
	if err != nil {
		return fmt.Errorf("сериализация извлечения %s: %w", res.PostID, err)
	}
	path := filepath.Join(s.postDir(res.PostID), extractDir, sanitizeKey(res.Fingerprint)+".json")
	if err := writeAtomic(path, raw, 0o644); err != nil {
		return fmt.Errorf("запись извлечения %s: %w", res.PostID, err)
	}
	return nil
}

// Extraction возвращает результат с данным фингерпринтом или ErrNotFound.
func (s *FS) Extraction(id domain.PostID, fingerprint string) (domain.ExtractionResult, error) {
	path := filepath.Join(s.postDir(id), extractDir, sanitizeKey(fingerprint)+".json")
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ExtractionResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("чтение извлечения %s: %w", id, err)
	}
	var res domain.ExtractionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("разбор извлечения %s: %w", id, err)
	}
	res.PostID = id
	return res, nil
}

// Extractions возвращает результаты извлечения поста, свежие первыми.
func (s *FS) Extractions(id domain.PostID) ([]domain.ExtractionResult, error) {
	dir := filepath.Join(s.postDir(id), extractDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение извлечений %s: %w", id, err)
	}
	var out []domain.ExtractionResult
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var res domain.ExtractionResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		res.PostID = id
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractedAt.After(out[j].ExtractedAt) })
	return out, nil
}

// ForEachPost перебирает зафиксированные посты в стабильном порядке.
func (s *FS) ForEachPost(filter domain.PostFilter, fn func(domain.Post) error) error {
	accounts, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("чтение корня датастора: %w", err)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name() < accounts[j].Name() })
	for _, account := range accounts {
		if !account.IsDir() {
			continue
		}
		if filter.Account != "" && account.Name() != filter.Account {
			continue
		}
		posts, err := os.ReadDir(filepath.Join(s.root, account.Name()))
		if err != nil {
			continue
		}
		ids := make([]int64, 0, len(posts))
		for _, entry := range posts {
			if !entry.IsDir() {
				continue
			}
			msgID, err := strconv.ParseInt(entry.Name(), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, msgID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, msgID := range ids {
			id := domain.PostID{Account: account.Name(), MsgID: msgID}
			post, err := s.Post(id)
			if errors.Is(err, domain.ErrNotFound) {
				// Каталог без post.json — незафиксированный пост, пропускаем.
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(post); err != nil {
				return err
			}
		}
	}
	return nil
}

// FrameDir возвращает каталог для извлечённых кадров поста, создавая его.
func (s *FS) FrameDir(id domain.PostID) (string, error) {
	dir := filepath.Join(s.postDir(id), framesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("каталог кадров %s: %w", id, err)
	}
	return dir, nil
}

// AccountState возвращает курсор аккаунта или ErrNotFound.
func (s *FS) AccountState(handle string) (domain.AccountState, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	states, err := s.loadAccountStates()
	if err != nil {
		return domain.AccountState{}, err
	}
	state, ok := states[handle]
	if !ok {
		return domain.AccountState{}, domain.ErrNotFound
	}
	return state, nil
}

// SaveAccountState обновляет курсор после успешного опроса.
func (s *FS) SaveAccountState(state domain.AccountState) error {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	states, err := s.loadAccountStates()
	if err != nil {
		return err
	}
	states[state.Handle] = state
	raw, err := marshalIndent(states)
	if err != nil {
		return fmt.Errorf("сериализация курсоров: %w", err)
	}
	return writeAtomic(filepath.Join(s.root, accountsFile), raw, 0o644)
}

func (s *FS) loadAccountStates() (map[string]domain.AccountState, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, accountsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]domain.AccountState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение курсоров: %w", err)
	}
	states := map[string]domain.AccountState{}
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("разбор курсоров: %w", err)
	}
	return states, nil
}
