package clip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/metrics"
)

// ExecEmbedder вызывает локальный CLIP-энкодер как внешнюю команду.
// Протокол: JSON-запрос в stdin, JSON-ответ с векторами в stdout.
type ExecEmbedder struct {
	command string
	model   string
	log     zerolog.Logger
}

var _ domain.Embedder = (*ExecEmbedder)(nil)

func NewExecEmbedder(command, model string, log zerolog.Logger) *ExecEmbedder {
	return &ExecEmbedder{command: command, model: model, log: log}
}

type embedRequest struct {
	Model      string   `json:"model"`
	Texts      []string `json:"texts,omitempty"`
	ImagePaths []string `json:"image_paths,omitempty"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Error   string      `json:"error,omitempty"`
}

// Version идентифицирует модель и веса энкодера.
func (e *ExecEmbedder) Version() string {
	return e.model
}

// EmbedImages возвращает по вектору на каждый путь из paths.
func (e *ExecEmbedder) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	return e.run(ctx, embedRequest{Model: e.model, ImagePaths: paths}, "image", len(paths))
}

// EmbedTexts возвращает по вектору на каждый текст.
func (e *ExecEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.run(ctx, embedRequest{Model: e.model, Texts: texts}, "text", len(texts))
}

func (e *ExecEmbedder) run(ctx context.Context, req embedRequest, kind string, expected int) ([][]float32, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса энкодера: %w", err)
	}

	parts := strings.Fields(e.command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("команда энкодера не задана")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	metrics.EmbeddingDuration.WithLabelValues(e.model, kind).Observe(time.Since(start).Seconds())
	if runErr != nil {
		return nil, fmt.Errorf("энкодер %s: %v: %s", parts[0], runErr, strings.TrimSpace(stderr.String()))
	}

	var resp embedResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("ответ энкодера не разобран: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("энкодер: %s", resp.Error)
	}
	if len(resp.Vectors) != expected {
		return nil, fmt.Errorf("энкодер вернул %d векторов вместо %d", len(resp.Vectors), expected)
	}
	return resp.Vectors, nil
}
