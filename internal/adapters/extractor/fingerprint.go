package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"tg-event-radar/internal/domain"
)

// Fingerprint детерминированно сворачивает входы извлечения. Совпадение
// фингерпринта означает, что повторный вызов LLM не нужен.
func Fingerprint(post domain.Post, model, promptVersion string) (string, error) {
	mediaHashes := make([]string, 0, len(post.Media))
	for _, media := range post.Media {
		sum, err := fileSHA256(media.Path)
		if err != nil {
			return "", fmt.Errorf("хэш медиа %s: %w", media.Name, err)
		}
		mediaHashes = append(mediaHashes, sum)
	}
	sort.Strings(mediaHashes)

	h := sha256.New()
	fmt.Fprintf(h, "post:%s\n", post.ID)
	fmt.Fprintf(h, "caption:%s\n", post.Caption)
	for _, sum := range mediaHashes {
		fmt.Fprintf(h, "media:%s\n", sum)
	}
	fmt.Fprintf(h, "model:%s\n", model)
	fmt.Fprintf(h, "prompt:%s\n", promptVersion)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
