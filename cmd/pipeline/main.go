package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-event-radar/internal/adapters/classifier"
	"tg-event-radar/internal/adapters/clip"
	"tg-event-radar/internal/adapters/datastore"
	"tg-event-radar/internal/adapters/extractor"
	"tg-event-radar/internal/adapters/mtproto"
	"tg-event-radar/internal/adapters/notify"
	"tg-event-radar/internal/adapters/renderer"
	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/cache"
	"tg-event-radar/internal/infra/config"
	apphttp "tg-event-radar/internal/infra/http"
	applog "tg-event-radar/internal/infra/log"
	"tg-event-radar/internal/infra/metrics"
	"tg-event-radar/internal/infra/openai"
	"tg-event-radar/internal/usecase/accounts"
	"tg-event-radar/internal/usecase/pipeline"
)

const usage = `Использование: pipeline <команда> [флаги]

Команды:
  fetch              выгрузить свежие посты всех аккаунтов
  classify [-force]  классифицировать посты без вердикта
  extract            извлечь факты из постов-событий
  render             построить документы событий
  run [-force]       выполнить все этапы по порядку
  progress [-json]   показать прогресс по хранилищу
  login              авторизовать сессию интерактивно
`

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	store, err := datastore.New(cfg.DatastoreRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline: хранилище недоступно")
	}

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("pipeline: не указаны TG_API_ID и TG_API_HASH")
	}
	sessions := mtproto.NewSessionManager(cfg.SessionFile)
	collector := mtproto.NewCollector(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessions,
		cfg.Telegram.GlobalRPS, logger.With().Str("component", "collector").Logger())

	if command == "login" {
		runLogin(ctx, collector, cfg, logger)
		return
	}

	service := buildService(store, collector, cfg, logger)

	httpServer := apphttp.NewServer(logger.With().Str("component", "status").Logger(),
		func(context.Context) (domain.Progress, error) { return service.Progress() })
	httpServer.Start(ctx, cfg.StatusAddr)

	switch command {
	case "fetch":
		report := service.Fetch(ctx, loadRoster(cfg, logger))
		finishStage(report, logger)
	case "classify":
		force := parseForce(args)
		finishStage(service.Classify(ctx, force), logger)
	case "extract":
		finishStage(service.Extract(ctx), logger)
	case "render":
		finishStage(service.Render(ctx), logger)
	case "run":
		force := parseForce(args)
		summary := service.Run(ctx, loadRoster(cfg, logger), force)
		printJSON(summary)
		if summary.Fatal() {
			logger.Error().Str("stage", string(summary.FatalStage)).Msg("pipeline: прогон остановлен")
			os.Exit(1)
		}
	case "progress":
		asJSON := parseJSONFlag(args)
		progress, err := service.Progress()
		if err != nil {
			logger.Fatal().Err(err).Msg("pipeline: прогресс недоступен")
		}
		if asJSON {
			printJSON(progress)
		} else {
			fmt.Print(pipeline.FormatProgressTable(progress))
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func buildService(store *datastore.FS, collector *mtproto.Collector, cfg config.AppConfig, logger zerolog.Logger) *pipeline.Service {
	embedder := clip.NewExecEmbedder(cfg.Classifier.EncoderCmd, cfg.Classifier.EncoderModel,
		logger.With().Str("component", "clip").Logger())
	eventClassifier := classifier.New(embedder, classifier.Config{
		Threshold:      cfg.Classifier.Threshold,
		FrameSamples:   cfg.Classifier.FrameSamples,
		StaticHashDist: cfg.Classifier.StaticHashDist,
	}, logger.With().Str("component", "classifier").Logger())

	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("pipeline: не указан ключ OpenAI (OPENAI_API_KEY)")
	}
	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL,
		time.Duration(cfg.OpenAI.TimeoutSeconds)*time.Second)
	eventExtractor := extractor.New(openaiClient, store, cfg.OpenAI.Model,
		logger.With().Str("component", "extractor").Logger())

	markdown := renderer.NewMarkdown(cfg.EventsDir)

	service := pipeline.NewService(store, collector, eventClassifier, eventExtractor, markdown,
		logger.With().Str("component", "pipeline").Logger(), pipeline.Config{
			FetchLimit:          cfg.FetchLimit,
			FetchConcurrency:    cfg.Limits.FetchConcurrency,
			ClassifyConcurrency: cfg.Limits.ClassifyConcurrency,
			ExtractConcurrency:  cfg.Limits.ExtractConcurrency,
		})

	profileCache := buildCache(cfg, logger)
	resolver := mtproto.NewResolver(collector, profileCache, logger.With().Str("component", "resolver").Logger())
	enrichLog := logger.With().Str("component", "enrich").Logger()
	service.WithResolver(resolver, func(ctx context.Context, facts *domain.EventFacts, caption string, r domain.ProfileResolver) {
		extractor.EnrichLineup(ctx, facts, caption, r, enrichLog)
	})

	if cfg.Telegram.BotToken != "" && cfg.Telegram.OperatorChatID != 0 {
		notifier, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.OperatorChatID,
			logger.With().Str("component", "notify").Logger())
		if err != nil {
			logger.Warn().Err(err).Msg("pipeline: нотификатор отключён")
		} else {
			service.WithNotifier(notifier)
		}
	}
	return service
}

func buildCache(cfg config.AppConfig, logger zerolog.Logger) domain.Cache {
	if cfg.RedisAddr == "" {
		return cache.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn().Err(err).Msg("pipeline: Redis недоступен, кэш в памяти")
		return cache.NewMemory()
	}
	return cache.NewRedis(client)
}

func loadRoster(cfg config.AppConfig, logger zerolog.Logger) []domain.Account {
	roster, err := accounts.LoadRoster(cfg.AccountsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.AccountsFile).Msg("pipeline: список аккаунтов не загружен")
	}
	return roster
}

func runLogin(ctx context.Context, collector *mtproto.Collector, cfg config.AppConfig, logger zerolog.Logger) {
	if cfg.Telegram.Phone == "" {
		logger.Fatal().Msg("login: не указан номер телефона (TG_PHONE)")
	}
	err := collector.Login(ctx, cfg.Telegram.Phone, cfg.Telegram.Password, func(ctx context.Context) (string, error) {
		fmt.Print("Введите код подтверждения: ")
		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(code), nil
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("login: авторизация не удалась")
	}
	logger.Info().Str("session", cfg.SessionFile).Msg("login: сессия сохранена")
}

func finishStage(report domain.StageReport, logger zerolog.Logger) {
	printJSON(report)
	if report.Fatal != "" {
		logger.Error().Str("stage", string(report.Stage)).Str("error", report.Fatal).Msg("pipeline: этап остановлен")
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseForce(args []string) bool {
	fs := flag.NewFlagSet("stage", flag.ExitOnError)
	force := fs.Bool("force", false, "пересчитать уже обработанные посты")
	_ = fs.Parse(args)
	return *force
}

func parseJSONFlag(args []string) bool {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "вывести прогресс в JSON")
	_ = fs.Parse(args)
	return *asJSON
}
