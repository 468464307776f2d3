package extractor

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]{4,})`)

// Домены билетных площадок. Ссылка на такой домен считается продажей
// билетов, любая другая — информационной.
var ticketDomains = map[string]struct{}{
	"eventbrite.com": {},
	"luma.com":       {},
	"lu.ma":          {},
	"tixr.com":       {},
	"dice.fm":        {},
	"ra.co":          {},
}

// Mentions возвращает уникальные @упоминания из подписи в порядке появления.
func Mentions(caption string) []string {
	matches := mentionRe.FindAllStringSubmatch(caption, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{})
	for _, m := range matches {
		handle := strings.ToLower(m[1])
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

func isTicketDomain(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if _, ok := ticketDomains[host]; ok {
		return true
	}
	for domain := range ticketDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// classifyTicketLink выбирает ссылку для поля ticket_link: билетная
// площадка предпочтительнее, иначе первая ссылка модели, иначе URL поста.
func classifyTicketLink(candidate, postURL string) (string, domain.TicketLinkType) {
	candidate = strings.TrimSpace(candidate)
	if candidate != "" {
		if isTicketDomain(candidate) {
			return candidate, domain.TicketLinkTickets
		}
		return candidate, domain.TicketLinkInfo
	}
	return postURL, domain.TicketLinkInfo
}

// EnrichLineup дополняет участников лайнапа ссылками на их профили.
// Лучшая ссылка: soundcloud, затем ra.co, затем любая внешняя; если ничего
// не нашлось, остаётся ссылка на профиль платформы. Сбои не фатальны.
func EnrichLineup(ctx context.Context, facts *domain.EventFacts, caption string, resolver domain.ProfileResolver, log zerolog.Logger) {
	if facts == nil || resolver == nil {
		return
	}
	mentions := Mentions(caption)
	for i := range facts.Lineup {
		performer := &facts.Lineup[i]
		if performer.Link != "" {
			continue
		}
		handle, err := resolver.ResolveHandle(ctx, performer.Name, mentions)
		if err != nil {
			log.Debug().Err(err).Str("performer", performer.Name).Msg("extractor: резолв участника не удался")
			continue
		}
		if handle == "" {
			continue
		}
		links, err := resolver.ProfileLinks(ctx, handle)
		if err != nil {
			log.Debug().Err(err).Str("handle", handle).Msg("extractor: ссылки профиля недоступны")
			links = nil
		}
		performer.Link = pickPerformerLink(handle, links)
	}
}

// pickPerformerLink ранжирует ссылки: soundcloud, затем ra.co, затем любая
// внешняя. Без кандидатов остаётся профиль платформы.
func pickPerformerLink(handle string, links []string) string {
	best := ""
	bestRank := 0
	for _, link := range links {
		lowered := strings.ToLower(link)
		rank := 0
		switch {
		case strings.Contains(lowered, "soundcloud.com"):
			rank = 3
		case strings.Contains(lowered, "ra.co"):
			rank = 2
		case !strings.Contains(lowered, "t.me/"):
			rank = 1
		}
		if rank > bestRank {
			best = link
			bestRank = rank
		}
	}
	if best != "" {
		return best
	}
	return "https://t.me/" + handle
}
