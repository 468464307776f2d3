package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/metrics"
)

// Config ограничивает параллелизм этапов и размер выборки.
type Config struct {
	FetchLimit          int
	FetchConcurrency    int
	ClassifyConcurrency int
	ExtractConcurrency  int
}

// Service прогоняет посты через этапы fetch, classify, extract и render.
// Каждый этап читает своё состояние из хранилища, поэтому повторный запуск
// продолжает с места остановки.
type Service struct {
	store      domain.Datastore
	collector  domain.Collector
	classifier domain.Classifier
	extractor  domain.Extractor
	renderer   domain.Renderer
	resolver   domain.ProfileResolver
	notifier   domain.Notifier
	log        zerolog.Logger
	cfg        Config
	now        func() time.Time

	enrich func(ctx context.Context, facts *domain.EventFacts, caption string, resolver domain.ProfileResolver)
}

// NewService создаёт сервис конвейера. Resolver и notifier опциональны.
func NewService(store domain.Datastore, collector domain.Collector, classifier domain.Classifier, extractor domain.Extractor, renderer domain.Renderer, log zerolog.Logger, cfg Config) *Service {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 20
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 2
	}
	if cfg.ClassifyConcurrency <= 0 {
		cfg.ClassifyConcurrency = runtime.NumCPU()
	}
	if cfg.ExtractConcurrency <= 0 {
		cfg.ExtractConcurrency = 2
	}
	return &Service{
		store:      store,
		collector:  collector,
		classifier: classifier,
		extractor:  extractor,
		renderer:   renderer,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// WithResolver включает обогащение лайнапа ссылками на профили.
func (s *Service) WithResolver(resolver domain.ProfileResolver, enrich func(ctx context.Context, facts *domain.EventFacts, caption string, resolver domain.ProfileResolver)) *Service {
	s.resolver = resolver
	s.enrich = enrich
	return s
}

// WithNotifier включает отправку итогов прогона оператору.
func (s *Service) WithNotifier(notifier domain.Notifier) *Service {
	s.notifier = notifier
	return s
}

// Run прогоняет все этапы по порядку. Фатальная ошибка этапа останавливает
// прогон; остальные сбои учитываются в отчёте и не мешают следующим этапам.
func (s *Service) Run(ctx context.Context, accounts []domain.Account, force bool) domain.RunSummary {
	summary := domain.RunSummary{ID: uuid.NewString()[:8], StartedAt: s.now().UTC()}

	stages := []func(context.Context) domain.StageReport{
		func(ctx context.Context) domain.StageReport { return s.Fetch(ctx, accounts) },
		func(ctx context.Context) domain.StageReport { return s.Classify(ctx, force) },
		s.Extract,
		s.Render,
	}
	for _, stage := range stages {
		report := stage(ctx)
		summary.Reports = append(summary.Reports, report)
		if report.Fatal != "" {
			summary.FatalStage = report.Stage
			break
		}
	}
	summary.FinishedAt = s.now().UTC()

	if s.notifier != nil {
		if err := s.notifier.NotifyRun(ctx, summary); err != nil {
			s.log.Warn().Err(err).Msg("pipeline: отчёт оператору не доставлен")
		}
	}
	return summary
}

// Fetch выгружает свежие посты всех аккаунтов. Сбой одного аккаунта не
// мешает остальным; фатальны только ошибки авторизации и сессии.
func (s *Service) Fetch(ctx context.Context, accounts []domain.Account) domain.StageReport {
	report := domain.StageReport{Stage: domain.StageFetch}
	defer s.observeStage(domain.StageFetch, s.now())

	var mu sync.Mutex
	err := s.collector.Connect(ctx, func(ctx context.Context) error {
		group, ctx := errgroup.WithContext(ctx)
		group.SetLimit(s.cfg.FetchConcurrency)
		for _, account := range accounts {
			account := account
			group.Go(func() error {
				collected, err := s.collector.CollectRecent(ctx, account, s.cfg.FetchLimit)
				if err != nil {
					if domain.StageFatal(err) {
						return err
					}
					s.log.Error().Err(err).Str("account", account.Handle).Msg("pipeline: аккаунт не собран")
					mu.Lock()
					report.AddFailure(domain.FailureCategory(err))
					mu.Unlock()
					return nil
				}
				processed, skipped, failures := s.storeCollected(account, collected)
				mu.Lock()
				report.Processed += processed
				report.Skipped += skipped
				for category, n := range failures {
					for i := 0; i < n; i++ {
						report.AddFailure(category)
					}
				}
				mu.Unlock()
				return nil
			})
		}
		return group.Wait()
	})
	if err != nil {
		if domain.StageFatal(err) {
			report.Fatal = err.Error()
		} else {
			report.AddFailure(domain.FailureCategory(err))
		}
	}
	return report
}

func (s *Service) storeCollected(account domain.Account, collected []domain.CollectedPost) (processed, skipped int, failures map[string]int) {
	failures = make(map[string]int)
	var lastMsgID int64
	for _, item := range collected {
		if item.Post.ID.MsgID > lastMsgID {
			lastMsgID = item.Post.ID.MsgID
		}
		if s.store.HasPost(item.Post.ID) {
			skipped++
			metrics.ObserveStageItem(string(domain.StageFetch), "skipped")
			continue
		}
		if _, err := s.store.PutPost(item.Post, item.Blobs); err != nil {
			s.log.Error().Err(err).Str("post", item.Post.ID.String()).Msg("pipeline: пост не сохранён")
			failures[domain.FailureCategory(err)]++
			metrics.ObserveStageItem(string(domain.StageFetch), "failed")
			continue
		}
		processed++
		metrics.ObserveStageItem(string(domain.StageFetch), "ok")
	}

	state := domain.AccountState{Handle: account.Handle, LastFetchAt: s.now().UTC(), LastMsgID: lastMsgID}
	if prev, err := s.store.AccountState(account.Handle); err == nil && prev.LastMsgID > state.LastMsgID {
		state.LastMsgID = prev.LastMsgID
	}
	if err := s.store.SaveAccountState(state); err != nil {
		s.log.Warn().Err(err).Str("account", account.Handle).Msg("pipeline: курсор не сохранён")
	}
	return processed, skipped, failures
}

// Classify выносит вердикт по каждому посту без вердикта текущей версии
// модели. force пересчитывает и уже классифицированные посты.
func (s *Service) Classify(ctx context.Context, force bool) domain.StageReport {
	report := domain.StageReport{Stage: domain.StageClassify}
	defer s.observeStage(domain.StageClassify, s.now())

	version := s.classifier.ModelVersion()
	var pending []domain.Post
	err := s.store.ForEachPost(domain.PostFilter{}, func(post domain.Post) error {
		if !force {
			if _, err := s.store.Classification(post.ID, version); err == nil {
				report.Skipped++
				return nil
			}
		}
		pending = append(pending, post)
		return nil
	})
	if err != nil {
		report.AddFailure(domain.FailureCategory(err))
		return report
	}
	if len(pending) == 0 {
		return report
	}

	if err := s.classifier.Prepare(ctx); err != nil {
		s.log.Error().Err(err).Msg("pipeline: классификатор не готов")
		report.Fatal = err.Error()
		return report
	}

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.ClassifyConcurrency)
	for _, post := range pending {
		post := post
		group.Go(func() error {
			frameDir, err := s.store.FrameDir(post.ID)
			if err != nil {
				mu.Lock()
				report.AddFailure(domain.FailureCategory(err))
				mu.Unlock()
				return nil
			}
			res, err := s.classifier.Classify(ctx, post, frameDir)
			if err != nil {
				if domain.StageFatal(err) {
					return err
				}
				s.log.Error().Err(err).Str("post", post.ID.String()).Msg("pipeline: классификация не удалась")
				mu.Lock()
				report.AddFailure(domain.FailureCategory(err))
				mu.Unlock()
				metrics.ObserveStageItem(string(domain.StageClassify), "failed")
				return nil
			}
			if err := s.store.PutClassification(res); err != nil {
				mu.Lock()
				report.AddFailure(domain.FailureCategory(err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			if res.Skipped {
				report.Skipped++
			} else {
				report.Processed++
			}
			mu.Unlock()
			metrics.ObserveStageItem(string(domain.StageClassify), "ok")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if domain.StageFatal(err) {
			report.Fatal = err.Error()
		} else {
			report.AddFailure(domain.FailureCategory(err))
		}
	}
	return report
}

// Extract прогоняет через LLM посты с положительным вердиктом текущей
// версии модели. Совпадение фингерпринта превращает пост в пропуск.
func (s *Service) Extract(ctx context.Context) domain.StageReport {
	report := domain.StageReport{Stage: domain.StageExtract}
	defer s.observeStage(domain.StageExtract, s.now())
	stageStart := s.now().UTC()

	version := s.classifier.ModelVersion()
	var candidates []domain.Post
	err := s.store.ForEachPost(domain.PostFilter{}, func(post domain.Post) error {
		verdict, err := s.store.Classification(post.ID, version)
		if err != nil || !verdict.IsEvent {
			return nil
		}
		candidates = append(candidates, post)
		return nil
	})
	if err != nil {
		report.AddFailure(domain.FailureCategory(err))
		return report
	}
	if len(candidates) == 0 {
		return report
	}

	// Обогащение лайнапа требует живой сессии. Если её нет, этап идёт
	// без обогащения: ссылки на профили не стоят остановки извлечения.
	if s.resolver != nil && s.enrich != nil {
		var ran bool
		err := s.collector.Connect(ctx, func(ctx context.Context) error {
			ran = true
			return s.extractAll(ctx, candidates, stageStart, &report, s.resolver)
		})
		if err != nil && !ran {
			s.log.Warn().Err(err).Msg("pipeline: извлечение без обогащения лайнапа")
			err = s.extractAll(ctx, candidates, stageStart, &report, nil)
		}
		if err != nil {
			s.finishExtract(&report, err)
		}
		return report
	}

	if err := s.extractAll(ctx, candidates, stageStart, &report, nil); err != nil {
		s.finishExtract(&report, err)
	}
	return report
}

func (s *Service) finishExtract(report *domain.StageReport, err error) {
	if domain.StageFatal(err) {
		report.Fatal = err.Error()
		return
	}
	report.AddFailure(domain.FailureCategory(err))
}

func (s *Service) extractAll(ctx context.Context, candidates []domain.Post, stageStart time.Time, report *domain.StageReport, resolver domain.ProfileResolver) error {
	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.ExtractConcurrency)
	for _, post := range candidates {
		post := post
		group.Go(func() error {
			res, err := s.extractor.Extract(ctx, post)
			if err != nil {
				if domain.StageFatal(err) {
					return err
				}
				s.log.Error().Err(err).Str("post", post.ID.String()).Msg("pipeline: извлечение не удалось")
				mu.Lock()
				report.AddFailure(domain.FailureCategory(err))
				mu.Unlock()
				metrics.ObserveStageItem(string(domain.StageExtract), "failed")
				return nil
			}
			cached := res.ExtractedAt.Before(stageStart)
			if !cached && res.Status == domain.ExtractionSuccess && resolver != nil {
				s.enrich(ctx, res.Facts, post.Caption, resolver)
			}
			if err := s.store.PutExtraction(res); err != nil {
				mu.Lock()
				report.AddFailure(domain.FailureCategory(err))
				mu.Unlock()
				return nil
			}
			outcome := "ok"
			mu.Lock()
			switch {
			case cached:
				report.Skipped++
				outcome = "skipped"
			case res.Status == domain.ExtractionFailed:
				report.AddFailure(domain.FailureCategory(domain.ErrSchemaValidation))
				outcome = "failed"
			case res.Status == domain.ExtractionSkipped:
				report.Skipped++
				outcome = "skipped"
			default:
				report.Processed++
			}
			mu.Unlock()
			metrics.ObserveStageItem(string(domain.StageExtract), outcome)
			return nil
		})
	}
	return group.Wait()
}

// Render строит документ для каждого поста с успешным извлечением.
// Рендер детерминирован, поэтому повторный запуск перезаписывает документы
// тем же содержимым.
func (s *Service) Render(ctx context.Context) domain.StageReport {
	report := domain.StageReport{Stage: domain.StageRender}
	defer s.observeStage(domain.StageRender, s.now())

	err := s.store.ForEachPost(domain.PostFilter{}, func(post domain.Post) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, ok := s.latestSuccess(post.ID)
		if !ok {
			return nil
		}
		rendered, err := s.renderer.Render(post, res)
		if err != nil {
			s.log.Error().Err(err).Str("post", post.ID.String()).Msg("pipeline: документ не создан")
			report.AddFailure(domain.FailureCategory(err))
			metrics.ObserveStageItem(string(domain.StageRender), "failed")
			return nil
		}
		s.log.Debug().Str("post", post.ID.String()).Str("path", rendered.Path).Msg("pipeline: документ записан")
		report.Processed++
		metrics.ObserveStageItem(string(domain.StageRender), "ok")
		return nil
	})
	if err != nil {
		report.AddFailure(domain.FailureCategory(err))
	}
	return report
}

// latestSuccess возвращает самое свежее успешное извлечение поста.
func (s *Service) latestSuccess(id domain.PostID) (domain.ExtractionResult, bool) {
	results, err := s.store.Extractions(id)
	if err != nil {
		return domain.ExtractionResult{}, false
	}
	for _, res := range results {
		if res.Status == domain.ExtractionSuccess && res.Facts != nil {
			return res, true
		}
	}
	return domain.ExtractionResult{}, false
}

func (s *Service) observeStage(stage domain.Stage, start time.Time) {
	metrics.StageDurationSeconds.WithLabelValues(string(stage)).Observe(s.now().Sub(start).Seconds())
}
