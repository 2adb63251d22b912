package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ojforge/internal/model"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"
)

// runUpload pushes the statement and generated data to the target
// judge. A title match on the target completes the stage without
// creating anything; otherwise the upload result's id is recorded, with
// a search and the prior receipt as fallbacks when the judge hides it.
func (r *Runner) runUpload(ctx context.Context, pc *ProblemCtx) error {
	if !pc.WS.HasStatement() {
		return errors.Newf(errors.StatementMissing, "upload needs a fetched statement")
	}
	if !pc.WS.HasGeneratedData() {
		return errors.Newf(errors.GeneratedDataMissing, "upload needs generated test data")
	}
	st, err := pc.WS.ReadStatement()
	if err != nil {
		return err
	}
	title := collapseSpace(st.Title)
	target := pc.target()

	uploader, err := r.deps.Adapters.Uploader(target)
	if err != nil {
		return err
	}

	// Duplicate pre-check. The capability is optional; a target without
	// search always uploads.
	if id := r.searchTitle(ctx, pc, title); id != "" {
		_ = pc.WS.AppendLog(model.StageUpload, "existing problem %q matched by title, reusing %s", title, id)
		return r.recordReceipt(ctx, pc, id, "")
	}

	_ = pc.WS.AppendLog(model.StageUpload, "uploading %q to %s", title, target)
	res, err := uploader.UploadData(ctx, pc.WS)
	if err != nil {
		return err
	}

	realID := strings.TrimSpace(res.RealID)
	if realID == "" {
		realID = r.searchTitle(ctx, pc, title)
	}
	if realID == "" {
		if rec, err := pc.WS.Receipt(target); err == nil && rec != nil {
			realID = rec.RealID
			_ = pc.WS.AppendLog(model.StageUpload, "falling back to prior receipt id %s", realID)
		}
	}
	if realID == "" {
		return errors.Newf(errors.UploadNoID, "target %s did not reveal the created problem id", target)
	}
	return r.recordReceipt(ctx, pc, realID, res.URL)
}

// searchTitle runs the optional title pre-check; any failure degrades to
// "no match" since the upload path still works without it.
func (r *Runner) searchTitle(ctx context.Context, pc *ProblemCtx, title string) string {
	searcher, err := r.deps.Adapters.TitleSearcher(pc.target())
	if err != nil {
		return ""
	}
	id, err := searcher.SearchByTitle(ctx, title)
	if err != nil {
		_ = pc.WS.AppendLog(model.StageUpload, "title search failed, continuing: %v", err)
		logger.Warn(ctx, "title search failed",
			zap.String("target", pc.target()), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(id)
}

func (r *Runner) recordReceipt(ctx context.Context, pc *ProblemCtx, realID, url string) error {
	target := pc.target()
	if url == "" {
		url = r.composeUploadedURL(target, realID)
	}
	rec := &model.Receipt{
		Adapter:    target,
		RealID:     realID,
		URL:        url,
		UploadedAt: time.Now(),
	}
	if err := pc.WS.PutReceipt(rec); err != nil {
		return err
	}
	pc.Problem.RealID = realID
	pc.Problem.UploadedURL = url

	_ = pc.WS.AppendLog(model.StageUpload, "receipt saved: real_id=%s url=%s", realID, url)
	logger.Info(ctx, "problem uploaded",
		zap.String("target", target),
		zap.String("real_id", realID))
	return nil
}

func (r *Runner) composeUploadedURL(domain, realID string) string {
	if r.cfg.TargetBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/d/%s/p/%s", strings.TrimRight(r.cfg.TargetBaseURL, "/"), domain, realID)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
