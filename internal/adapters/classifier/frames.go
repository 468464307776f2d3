package classifier

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
)

// FrameSampler извлекает репрезентативные кадры видео через ffmpeg.
// Кадры кэшируются в каталоге поста: повторный прогон идёт без ffmpeg.
type FrameSampler struct {
	samples  int
	hashDist int
	log      zerolog.Logger
}

func NewFrameSampler(samples, hashDist int, log zerolog.Logger) *FrameSampler {
	if samples <= 0 {
		samples = 3
	}
	return &FrameSampler{samples: samples, hashDist: hashDist, log: log}
}

// Sample возвращает пути кадров видео. Для статичного ролика (обложка без
// движения) остаётся один кадр.
func (s *FrameSampler) Sample(ctx context.Context, videoPath, frameDir string) ([]string, error) {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	if cached := s.cachedFrames(frameDir, base); len(cached) > 0 {
		return cached, nil
	}

	duration, err := probeDuration(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v", domain.ErrMediaDecode, filepath.Base(videoPath), err)
	}

	offsets := frameOffsets(duration, s.samples)
	paths := make([]string, 0, len(offsets))
	for i, offset := range offsets {
		out := filepath.Join(frameDir, fmt.Sprintf("%s_frame_%d.jpg", base, i))
		if err := extractFrame(ctx, videoPath, offset, out); err != nil {
			s.log.Warn().Err(err).Str("video", filepath.Base(videoPath)).Float64("offset", offset).Msg("classifier: кадр не извлечён")
			continue
		}
		paths = append(paths, out)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: ни один кадр из %s не извлечён", domain.ErrMediaDecode, filepath.Base(videoPath))
	}

	if s.isStatic(paths) {
		for _, p := range paths[1:] {
			_ = os.Remove(p)
		}
		paths = paths[:1]
	}
	return paths, nil
}

func (s *FrameSampler) cachedFrames(frameDir, base string) []string {
	matches, err := filepath.Glob(filepath.Join(frameDir, base+"_frame_*.jpg"))
	if err != nil {
		return nil
	}
	return matches
}

// frameOffsets выбирает секунды выборки: начало, середина и конец ролика.
func frameOffsets(duration float64, samples int) []float64 {
	if duration <= 2 {
		return []float64{0}
	}
	offsets := []float64{1}
	if samples >= 2 {
		offsets = append(offsets, duration/2)
	}
	if samples >= 3 && duration > 4 {
		offsets = append(offsets, duration-2)
	}
	return offsets
}

func probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

func extractFrame(ctx context.Context, videoPath string, offset float64, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 2, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, lastLine(out))
	}
	return nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// isStatic сравнивает перцептивные хэши кадров: если все кадры почти
// совпадают, ролик считается статичной афишей.
func (s *FrameSampler) isStatic(paths []string) bool {
	if len(paths) < 2 {
		return false
	}
	hashes := make([]*goimagehash.ImageHash, 0, len(paths))
	for _, p := range paths {
		h, err := hashImage(p)
		if err != nil {
			return false
		}
		hashes = append(hashes, h)
	}
	for i := 1; i < len(hashes); i++ {
		dist, err := hashes[0].Distance(hashes[i])
		if err != nil || dist >= s.hashDist {
			return false
		}
	}
	return true
}

func hashImage(path string) (*goimagehash.ImageHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return goimagehash.AverageHash(img)
}
