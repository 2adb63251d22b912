package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"
)

// runFetch pulls the statement from the source judge and persists it
// with its sample files. The statement write is the stage's only
// side effect, so a crash mid-stage leaves the skip probe false and the
// next run refetches.
func (r *Runner) runFetch(ctx context.Context, pc *ProblemCtx) error {
	fetcher, err := r.deps.Adapters.Fetcher(pc.Problem.SourceDomain)
	if err != nil {
		return err
	}

	_ = pc.WS.AppendLog(model.StageFetch, "fetching %s from %s",
		pc.Problem.ProblemID, pc.Problem.SourceDomain)
	st, err := fetcher.FetchProblem(ctx, pc.Problem.ProblemID)
	if err != nil {
		return err
	}
	if st == nil || strings.TrimSpace(st.Title) == "" {
		return errors.Newf(errors.AdapterParseFailed, "fetched statement has no title").
			WithDetail("source", pc.Problem.SourceDomain).
			WithDetail("pid", pc.Problem.ProblemID)
	}

	if err := pc.WS.WriteStatement(st); err != nil {
		return err
	}
	pc.Problem.Title = st.Title

	_ = pc.WS.AppendLog(model.StageFetch, "statement %q saved: %d samples, %d image refs",
		st.Title, len(st.Samples), len(st.ImageRefs))
	logger.Info(ctx, "statement fetched",
		zap.String("source", pc.Problem.SourceDomain),
		zap.String("title", st.Title))
	return nil
}
