package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию конвейера. Загружается один раз в main
// и передаётся по значению в конструкторы компонентов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`

	DatastoreRoot string `envconfig:"DATASTORE_ROOT" default:"/datastore"`
	EventsDir     string `envconfig:"EVENTS_DIR" default:"data/_events"`
	AccountsFile  string `envconfig:"ACCOUNTS_FILE" default:"data/accounts.yaml"`
	SessionFile   string `envconfig:"SESSION_FILE" default:"/secure/telegram_session.json"`
	FetchLimit    int    `envconfig:"FETCH_LIMIT" default:"20"`
	StatusAddr    string `envconfig:"STATUS_ADDR" default:":9090"`

	Telegram struct {
		APIID          int    `envconfig:"TG_API_ID"`
		APIHash        string `envconfig:"TG_API_HASH"`
		Phone          string `envconfig:"TG_PHONE"`
		Password       string `envconfig:"TG_PASSWORD"`
		GlobalRPS      int    `envconfig:"TG_GLOBAL_RPS" default:"20"`
		BotToken       string `envconfig:"TG_BOT_TOKEN"`
		OperatorChatID int64  `envconfig:"TG_OPERATOR_CHAT_ID"`
	} `envconfig:""`

	OpenAI struct {
		APIKey         string `envconfig:"OPENAI_API_KEY"`
		BaseURL        string `envconfig:"OPENAI_BASE_URL"`
		Model          string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		TimeoutSeconds int    `envconfig:"OPENAI_TIMEOUT_SECONDS" default:"120"`
	} `envconfig:""`

	Classifier struct {
		Threshold      float64 `envconfig:"EVENT_THRESHOLD" default:"0.30"`
		EncoderCmd     string  `envconfig:"CLIP_CMD" default:"clip-embed"`
		EncoderModel   string  `envconfig:"CLIP_MODEL" default:"ViT-B-32@laion2b_s34b_b79k"`
		FrameSamples   int     `envconfig:"FRAME_SAMPLES" default:"3"`
		StaticHashDist int     `envconfig:"STATIC_HASH_DIST" default:"5"`
	} `envconfig:""`

	Limits struct {
		FetchConcurrency    int `envconfig:"FETCH_CONCURRENCY" default:"2"`
		ClassifyConcurrency int `envconfig:"CLASSIFY_CONCURRENCY" default:"0"`
		ExtractConcurrency  int `envconfig:"EXTRACT_CONCURRENCY" default:"2"`
	} `envconfig:""`

	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// Load загружает конфиг из окружения, подхватывая опциональный .env файл.
func Load() AppConfig {
	if path := os.Getenv("ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
	} else if _, err := os.Stat("/secure/.env"); err == nil {
		_ = godotenv.Load("/secure/.env")
	} else {
		_ = godotenv.Load()
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
