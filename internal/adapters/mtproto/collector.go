package mtproto

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/metrics"
)

const (
	downloadChunk  = 512 * 1024
	historyRetries = 3
	floodRetries   = 3
	maxFloodWait   = 60 * time.Second
)

// Ошибки платформы, означающие отзыв сессии.
var sessionErrorTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
}

// Collector выгружает посты каналов через gotd и скачивает их медиа.
// Все запросы проходят через общий rate-лимитер платформы.
type Collector struct {
	client   *telegram.Client
	sessions *SessionManager
	limiter  *rate.Limiter
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	api *tg.Client
}

var _ domain.Collector = (*Collector)(nil)

// NewCollector создаёт MTProto клиент поверх файловой сессии.
func NewCollector(apiID int, apiHash string, sessions *SessionManager, globalRPS int, log zerolog.Logger) *Collector {
	if globalRPS <= 0 {
		globalRPS = 20
	}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: sessions})
	limiter := rate.NewLimiter(rate.Limit(globalRPS), globalRPS)
	return &Collector{client: client, sessions: sessions, limiter: limiter, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect выполняет fn внутри подключения с проверкой авторизации.
func (c *Collector) Connect(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("статус авторизации: %w", err)
		}
		if !status.Authorized {
			if c.sessions.Exists() {
				return fmt.Errorf("%w: платформа не признала сохранённую сессию", domain.ErrSessionExpired)
			}
			return fmt.Errorf("%w: нет сохранённой сессии, выполните login", domain.ErrAuthentication)
		}
		c.api = c.client.API()
		if err := fn(ctx); err != nil {
			if isSessionError(err) {
				return fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)
			}
			return err
		}
		return nil
	})
}

// Login проводит интерактивную авторизацию и сохраняет сессию в файл.
func (c *Collector) Login(ctx context.Context, phone, password string, codePrompt func(ctx context.Context) (string, error)) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		authorizer := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
			return codePrompt(ctx)
		})
		flow := auth.NewFlow(auth.Constant(phone, password, authorizer), auth.SendCodeOptions{})
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		}
		return nil
	})
}

func isSessionError(err error) bool {
	return tgerr.Is(err, sessionErrorTypes...)
}

// invoke выполняет запрос с rate-лимитом, ожиданием FLOOD_WAIT и
// ограниченным экспоненциальным бэкоффом.
func (c *Collector) invoke(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), historyRetries), ctx)
	err := backoff.Retry(func() error {
		// FLOOD_WAIT уже несёт предписанную паузу, экспоненциальная
		// задержка поверх неё не нужна: повторяем сразу после сна.
		for attempt := 0; ; attempt++ {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			start := time.Now()
			err := fn(ctx)
			metrics.ObserveNetworkRequest("mtproto", operation, "telegram", start, err)
			if err == nil {
				return nil
			}
			if wait, ok := tgerr.AsFloodWait(err); ok {
				metrics.CollectorFloodWaits.Inc()
				if wait > maxFloodWait || attempt >= floodRetries {
					return backoff.Permanent(fmt.Errorf("%w: flood wait %s", domain.ErrTransientNetwork, wait))
				}
				c.log.Warn().Dur("wait", wait).Str("op", operation).Msg("collector: FLOOD_WAIT, ждём")
				if err := c.sleep(ctx, wait+time.Second); err != nil {
					return backoff.Permanent(err)
				}
				continue
			}
			if isSessionError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
	}, policy)
	if err == nil {
		return nil
	}
	if isSessionError(err) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientNetwork, operation, err)
}

func (c *Collector) resolveChannel(ctx context.Context, alias string) (*tg.Channel, error) {
	var resolved *tg.ContactsResolvedPeer
	err := c.invoke(ctx, "resolve_username", func(ctx context.Context) error {
		var err error
		resolved, err = c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: alias})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, chat := range resolved.Chats {
		if channel, ok := chat.(*tg.Channel); ok {
			return channel, nil
		}
	}
	return nil, fmt.Errorf("алиас %q не является каналом", alias)
}

// CollectRecent возвращает до limit свежих постов аккаунта вместе с медиа.
// Сбой скачивания отдельного медиафайла не фатален: пост помечается
// неполным и обработка продолжается.
func (c *Collector) CollectRecent(ctx context.Context, account domain.Account, limit int) ([]domain.CollectedPost, error) {
	if c.api == nil {
		return nil, fmt.Errorf("collector: нет подключения, используйте Connect")
	}
	channel, err := c.resolveChannel(ctx, account.Handle)
	if err != nil {
		return nil, fmt.Errorf("резолв канала %s: %w", account.Handle, err)
	}
	peer := &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}

	var history tg.MessagesMessagesClass
	err = c.invoke(ctx, "get_history", func(ctx context.Context) error {
		var err error
		history, err = c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  peer,
			Limit: limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("история канала %s: %w", account.Handle, err)
	}

	channelMessages, ok := history.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, fmt.Errorf("неожиданный ответ истории канала %s", account.Handle)
	}

	groups := groupAlbums(channelMessages.Messages)
	posts := make([]domain.CollectedPost, 0, len(groups))
	for _, group := range groups {
		collected := c.buildPost(ctx, account.Handle, group)
		posts = append(posts, collected)
	}
	c.log.Info().Str("account", account.Handle).Int("posts", len(posts)).Msg("collector: история собрана")
	return posts, nil
}

// groupAlbums объединяет сообщения одного альбома в один пост и сортирует
// группы по возрастанию идентификатора.
func groupAlbums(messages []tg.MessageClass) [][]*tg.Message {
	byGroup := make(map[int64][]*tg.Message)
	var order []int64
	for _, raw := range messages {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}
		key := msg.GroupedID
		if key == 0 {
			// Одиночные сообщения получают собственный ключ.
			key = -int64(msg.ID)
		}
		if _, seen := byGroup[key]; !seen {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], msg)
	}
	groups := make([][]*tg.Message, 0, len(order))
	for _, key := range order {
		group := byGroup[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].ID < groups[j][0].ID })
	return groups
}

func (c *Collector) buildPost(ctx context.Context, handle string, group []*tg.Message) domain.CollectedPost {
	head := group[0]
	post := domain.Post{
		ID:            domain.PostID{Account: handle, MsgID: int64(head.ID)},
		URL:           fmt.Sprintf("https://t.me/%s/%d", handle, head.ID),
		PublishedAt:   time.Unix(int64(head.Date), 0).UTC(),
		FetchComplete: true,
	}
	var blobs []domain.MediaBlob
	index := 0
	for _, msg := range group {
		if post.Caption == "" && strings.TrimSpace(msg.Message) != "" {
			post.Caption = msg.Message
		}
		ref, ok := mediaRefFromMessage(msg)
		if !ok {
			continue
		}
		index++
		name := fmt.Sprintf("%s_%d_%s_%d%s", handle, head.ID, ref.kind, index, ref.ext)
		data, err := c.download(ctx, ref.location)
		if err != nil {
			c.log.Warn().Err(err).Str("post", post.ID.String()).Str("media", name).Msg("collector: медиа не скачано")
			post.FetchComplete = false
			continue
		}
		metrics.MediaBytesTotal.Add(float64(len(data)))
		post.Media = append(post.Media, domain.Media{Kind: ref.kind, Name: name})
		blobs = append(blobs, domain.MediaBlob{Kind: ref.kind, Name: name, Data: data})
	}
	return domain.CollectedPost{Post: post, Blobs: blobs}
}

type mediaRef struct {
	kind     domain.MediaKind
	ext      string
	location tg.InputFileLocationClass
}

func mediaRefFromMessage(msg *tg.Message) (mediaRef, bool) {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return mediaRef{}, false
		}
		sizeType := largestPhotoSize(photo.Sizes)
		if sizeType == "" {
			return mediaRef{}, false
		}
		return mediaRef{
			kind: domain.MediaPhoto,
			ext:  ".jpg",
			location: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     sizeType,
			},
		}, true
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return mediaRef{}, false
		}
		kind, ext, ok := documentKind(doc)
		if !ok {
			return mediaRef{}, false
		}
		return mediaRef{
			kind: kind,
			ext:  ext,
			location: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}, true
	default:
		return mediaRef{}, false
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	best := ""
	bestArea := 0
	for _, raw := range sizes {
		switch size := raw.(type) {
		case *tg.PhotoSize:
			if area := size.W * size.H; area > bestArea {
				bestArea = area
				best = size.Type
			}
		case *tg.PhotoSizeProgressive:
			if area := size.W * size.H; area > bestArea {
				bestArea = area
				best = size.Type
			}
		}
	}
	return best
}

func documentKind(doc *tg.Document) (domain.MediaKind, string, bool) {
	mime := strings.ToLower(doc.MimeType)
	switch {
	case strings.HasPrefix(mime, "video/"):
		return domain.MediaVideo, ".mp4", true
	case mime == "image/jpeg":
		return domain.MediaPhoto, ".jpg", true
	case mime == "image/png":
		return domain.MediaPhoto, ".png", true
	}
	for _, attr := range doc.Attributes {
		if _, ok := attr.(*tg.DocumentAttributeVideo); ok {
			return domain.MediaVideo, ".mp4", true
		}
	}
	return "", "", false
}

// download скачивает файл по location чанками по 512 КиБ.
func (c *Collector) download(ctx context.Context, location tg.InputFileLocationClass) ([]byte, error) {
	var buf bytes.Buffer
	offset := int64(0)
	for {
		var part tg.UploadFileClass
		err := c.invoke(ctx, "get_file", func(ctx context.Context) error {
			var err error
			part, err = c.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
				Location: location,
				Offset:   offset,
				Limit:    downloadChunk,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		file, ok := part.(*tg.UploadFile)
		if !ok {
			return nil, fmt.Errorf("%w: неподдерживаемый ответ get_file", domain.ErrTransientNetwork)
		}
		buf.Write(file.Bytes)
		if len(file.Bytes) < downloadChunk {
			return buf.Bytes(), nil
		}
		offset += int64(len(file.Bytes))
	}
}
