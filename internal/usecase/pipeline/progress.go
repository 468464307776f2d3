package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"tg-event-radar/internal/domain"
)

// Progress строит снимок состояния хранилища без побочных эффектов.
func (s *Service) Progress() (domain.Progress, error) {
	progress := domain.Progress{
		Classify: domain.StageProgress{ByError: map[string]int{}},
		Extract:  domain.StageProgress{ByError: map[string]int{}},
		Render:   domain.StageProgress{ByError: map[string]int{}},
	}
	version := s.classifier.ModelVersion()

	err := s.store.ForEachPost(domain.PostFilter{}, func(post domain.Post) error {
		progress.Posts++

		verdict, err := s.store.Classification(post.ID, version)
		if err != nil {
			progress.Classify.Pending++
			return nil
		}
		if verdict.Skipped {
			progress.Classify.Failed++
			progress.Classify.ByError[verdict.SkipReason]++
			return nil
		}
		progress.Classify.Done++
		if !verdict.IsEvent {
			return nil
		}
		progress.EventHits++

		res, ok := s.latestExtraction(post.ID)
		if !ok {
			progress.Extract.Pending++
			return nil
		}
		switch res.Status {
		case domain.ExtractionSuccess:
			progress.Extract.Done++
		case domain.ExtractionFailed:
			progress.Extract.Failed++
			progress.Extract.ByError["schema_validation"]++
			return nil
		case domain.ExtractionSkipped:
			progress.Extract.Failed++
			progress.Extract.ByError["insufficient_data"]++
			return nil
		}

		if res.Facts == nil {
			progress.Render.Failed++
			progress.Render.ByError["insufficient_data"]++
			return nil
		}
		path, err := s.renderer.DocumentPath(*res.Facts)
		if err != nil {
			progress.Render.Failed++
			progress.Render.ByError[domain.FailureCategory(err)]++
			return nil
		}
		if _, err := os.Stat(path); err == nil {
			progress.Render.Done++
		} else {
			progress.Render.Pending++
		}
		return nil
	})
	if err != nil {
		return domain.Progress{}, fmt.Errorf("обход хранилища: %w", err)
	}
	return progress, nil
}

func (s *Service) latestExtraction(id domain.PostID) (domain.ExtractionResult, bool) {
	results, err := s.store.Extractions(id)
	if err != nil || len(results) == 0 {
		return domain.ExtractionResult{}, false
	}
	return results[0], true
}

// FormatProgressTable выводит прогресс в виде текстовой таблицы.
func FormatProgressTable(progress domain.Progress) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Постов в хранилище: %d, из них событий: %d\n\n", progress.Posts, progress.EventHits)

	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ЭТАП\tОЖИДАЕТ\tГОТОВО\tСБОИ")
	writeProgressRow(w, "classify", progress.Classify)
	writeProgressRow(w, "extract", progress.Extract)
	writeProgressRow(w, "render", progress.Render)
	w.Flush()

	for _, stage := range []struct {
		name string
		p    domain.StageProgress
	}{{"classify", progress.Classify}, {"extract", progress.Extract}, {"render", progress.Render}} {
		if len(stage.p.ByError) == 0 {
			continue
		}
		reasons := make([]string, 0, len(stage.p.ByError))
		for reason := range stage.p.ByError {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		fmt.Fprintf(&buf, "\nСбои %s:\n", stage.name)
		for _, reason := range reasons {
			fmt.Fprintf(&buf, "  %s: %d\n", reason, stage.p.ByError[reason])
		}
	}
	return buf.String()
}

func writeProgressRow(w *tabwriter.Writer, name string, p domain.StageProgress) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, p.Pending, p.Done, p.Failed)
}
