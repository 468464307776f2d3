package mtproto

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

const profileCacheTTL = 7 * 24 * time.Hour

var urlRe = regexp.MustCompile(`https?://[^\s)>\]]+`)

// Resolver сопоставляет имена артистов с профилями платформы и достаёт
// внешние ссылки из описаний. Результаты кэшируются, чтобы не дёргать
// поиск на каждом прогоне.
type Resolver struct {
	collector *Collector
	cache     domain.Cache
	log       zerolog.Logger
}

var _ domain.ProfileResolver = (*Resolver)(nil)

func NewResolver(collector *Collector, cache domain.Cache, log zerolog.Logger) *Resolver {
	return &Resolver{collector: collector, cache: cache, log: log}
}

type cachedProfile struct {
	Handle string   `json:"handle"`
	Links  []string `json:"links"`
}

// ResolveHandle ищет хэндл артиста. Сначала сверяет имя с упоминаниями
// из подписи, затем падает на поиск по платформе.
func (r *Resolver) ResolveHandle(ctx context.Context, name string, mentions []string) (string, error) {
	normalized := normalizeName(name)
	if normalized == "" {
		return "", nil
	}
	for _, mention := range mentions {
		if normalizeName(mention) == normalized {
			return strings.TrimPrefix(mention, "@"), nil
		}
	}

	key := "resolve:" + normalized
	if raw, err := r.cache.Get(key); err == nil {
		var cached cachedProfile
		if json.Unmarshal(raw, &cached) == nil {
			return cached.Handle, nil
		}
	}

	handle, err := r.search(ctx, name)
	if err != nil {
		return "", err
	}
	if raw, err := json.Marshal(cachedProfile{Handle: handle}); err == nil {
		if err := r.cache.Set(key, raw, profileCacheTTL); err != nil {
			r.log.Debug().Err(err).Str("name", name).Msg("resolver: кэш недоступен")
		}
	}
	return handle, nil
}

func (r *Resolver) search(ctx context.Context, name string) (string, error) {
	if r.collector.api == nil {
		return "", fmt.Errorf("resolver: нет подключения")
	}
	var found *tg.ContactsFound
	err := r.collector.invoke(ctx, "contacts_search", func(ctx context.Context) error {
		var err error
		found, err = r.collector.api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: name, Limit: 5})
		return err
	})
	if err != nil {
		return "", err
	}
	normalized := normalizeName(name)
	for _, raw := range found.Users {
		user, ok := raw.(*tg.User)
		if !ok || user.Username == "" {
			continue
		}
		fullName := strings.TrimSpace(user.FirstName + " " + user.LastName)
		if normalizeName(fullName) == normalized || normalizeName(user.Username) == normalized {
			return user.Username, nil
		}
	}
	for _, raw := range found.Chats {
		channel, ok := raw.(*tg.Channel)
		if !ok || channel.Username == "" {
			continue
		}
		if normalizeName(channel.Title) == normalized || normalizeName(channel.Username) == normalized {
			return channel.Username, nil
		}
	}
	return "", nil
}

// ProfileLinks возвращает URL из описания профиля по хэндлу.
func (r *Resolver) ProfileLinks(ctx context.Context, handle string) ([]string, error) {
	key := "links:" + strings.ToLower(handle)
	if raw, err := r.cache.Get(key); err == nil {
		var cached cachedProfile
		if json.Unmarshal(raw, &cached) == nil {
			return cached.Links, nil
		}
	}

	links, err := r.fetchLinks(ctx, handle)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(cachedProfile{Handle: handle, Links: links}); err == nil {
		if err := r.cache.Set(key, raw, profileCacheTTL); err != nil {
			r.log.Debug().Err(err).Str("handle", handle).Msg("resolver: кэш недоступен")
		}
	}
	return links, nil
}

func (r *Resolver) fetchLinks(ctx context.Context, handle string) ([]string, error) {
	if r.collector.api == nil {
		return nil, fmt.Errorf("resolver: нет подключения")
	}
	var resolved *tg.ContactsResolvedPeer
	err := r.collector.invoke(ctx, "resolve_username", func(ctx context.Context) error {
		var err error
		resolved, err = r.collector.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: handle})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, raw := range resolved.Users {
		user, ok := raw.(*tg.User)
		if !ok {
			continue
		}
		var full *tg.UsersUserFull
		err := r.collector.invoke(ctx, "get_full_user", func(ctx context.Context) error {
			var err error
			full, err = r.collector.api.UsersGetFullUser(ctx, &tg.InputUser{
				UserID:     user.ID,
				AccessHash: user.AccessHash,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return extractURLs(full.FullUser.About), nil
	}
	for _, raw := range resolved.Chats {
		channel, ok := raw.(*tg.Channel)
		if !ok {
			continue
		}
		var full *tg.MessagesChatFull
		err := r.collector.invoke(ctx, "get_full_channel", func(ctx context.Context) error {
			var err error
			full, err = r.collector.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
				ChannelID:  channel.ID,
				AccessHash: channel.AccessHash,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		if channelFull, ok := full.FullChat.(*tg.ChannelFull); ok {
			return extractURLs(channelFull.About), nil
		}
	}
	return nil, nil
}

func extractURLs(text string) []string {
	matches := urlRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{})
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// normalizeName убирает @, пробелы и регистр для сравнения имён.
func normalizeName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		if r == ' ' || r == '_' || r == '.' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
