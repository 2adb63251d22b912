package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ojforge/internal/adapter"
	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"
)

// Where a reference solution came from; only model-written solutions
// are regenerated on a compile-error verdict.
type solutionSource int

const (
	fromWorkspace solutionSource = iota
	fromAdapter
	fromModel
)

type solved struct {
	Path   string
	Lang   string
	Code   string
	Source solutionSource
}

// runSolve verifies the uploaded problem end to end: obtain a reference
// solution, submit it to the target judge, poll the verdict. Accepted
// persists a solve record so later runs skip; every other terminal
// verdict fails the stage with the verdict preserved.
func (r *Runner) runSolve(ctx context.Context, pc *ProblemCtx) error {
	realID := pc.Problem.RealID
	if realID == "" {
		if rec, err := pc.WS.Receipt(pc.target()); err == nil && rec != nil {
			realID = rec.RealID
			pc.Problem.RealID = rec.RealID
			pc.Problem.UploadedURL = rec.URL
		}
	}
	if realID == "" {
		return errors.Newf(errors.UploadNoID, "no uploaded problem id to solve against")
	}
	sub, err := r.deps.Adapters.Submitter(pc.target())
	if err != nil {
		return err
	}

	sol, err := r.resolveSolution(ctx, pc)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		compileErr := false
		if sol.Lang == workspace.LangCpp {
			if err := r.localCompileCheck(ctx, pc, sol); err != nil {
				if ctx.Err() != nil || !errors.Is(err, errors.LocalCompileFailed) {
					return err
				}
				_ = pc.WS.AppendLog(model.StageSolve, "local compile failed: %v", err)
				compileErr = true
			}
		}

		verdict := adapter.VerdictCompileError
		var result *adapter.JudgeResult
		handle := ""
		if !compileErr {
			handle, err = sub.SubmitSolution(ctx, realID, sol.Code, sol.Lang)
			if err != nil {
				return err
			}
			_ = pc.WS.AppendLog(model.StageSolve, "submitted %s solution, handle %s", sol.Lang, handle)
			result, err = r.pollVerdict(ctx, pc, sub, handle)
			if err != nil {
				return err
			}
			verdict = result.Verdict
			_ = pc.WS.AppendLog(model.StageSolve, "verdict %s (score %d)", verdict, result.Score)
		}

		switch verdict {
		case adapter.VerdictAccepted:
			rec := &workspace.SolveRecord{
				Adapter:      pc.target(),
				SubmissionID: handle,
				Verdict:      string(verdict),
				Score:        result.Score,
				SolvedAt:     time.Now(),
			}
			if err := pc.WS.PutSolveRecord(rec); err != nil {
				return err
			}
			logger.Info(ctx, "solution accepted",
				zap.String("target", pc.target()),
				zap.String("submission", handle))
			return nil

		case adapter.VerdictWrongAnswer:
			return errors.Newf(errors.SolveWrongAnswer, "judge verdict wrong_answer").
				WithDetail("verdict", string(verdict)).
				WithDetail("submission", handle)

		case adapter.VerdictCompileError:
			if sol.Source == fromModel && attempt < r.cfg.MaxAttempts {
				pc.Temperature = lowerTemp(pc.Temperature, 0.2, 0.3)
				_ = pc.WS.AppendLog(model.StageSolve,
					"compile error on attempt %d, regenerating solution at temperature %.2f",
					attempt, pc.Temperature)
				sol, err = r.modelSolution(ctx, pc)
				if err != nil {
					return err
				}
				continue
			}
			return errors.Newf(errors.SolveCompile, "solution did not compile on the judge").
				WithDetail("verdict", string(adapter.VerdictCompileError)).
				WithDetail("submission", handle)

		default:
			return errors.Newf(errors.SolveRuntime, "judge verdict %s", verdict).
				WithDetail("verdict", string(verdict)).
				WithDetail("submission", handle)
		}
	}
}

// resolveSolution finds the reference solution, in order: one already in
// the workspace, one the source adapter provides, one the model writes.
func (r *Runner) resolveSolution(ctx context.Context, pc *ProblemCtx) (solved, error) {
	if path, lang, ok := pc.WS.Solution(); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return solved{}, errors.Wrapf(err, errors.WorkspaceError, "read solution")
		}
		_ = pc.WS.AppendLog(model.StageSolve, "using existing %s solution", lang)
		return solved{Path: path, Lang: lang, Code: string(data), Source: fromWorkspace}, nil
	}
	if code, lang := r.providedSolution(ctx, pc); code != "" {
		if err := pc.WS.PutSolution(lang, code); err != nil {
			return solved{}, err
		}
		path, err := pc.WS.SolutionPath(lang)
		if err != nil {
			return solved{}, err
		}
		_ = pc.WS.AppendLog(model.StageSolve, "using %s solution from %s", lang, pc.Problem.SourceDomain)
		return solved{Path: path, Lang: lang, Code: code, Source: fromAdapter}, nil
	}
	return r.modelSolution(ctx, pc)
}

// modelSolution asks the solution endpoint for fresh code at the
// current temperature and stores it in the workspace.
func (r *Runner) modelSolution(ctx context.Context, pc *ProblemCtx) (solved, error) {
	st, err := pc.WS.ReadStatement()
	if err != nil {
		return solved{}, err
	}
	lang := r.solveLanguage(pc.Task)
	comp, err := r.deps.LLM.Solve(ctx, pc.userID(), llm.Request{
		System:      solverSystem,
		Prompt:      solutionPrompt(st, lang, ""),
		Temperature: pc.Temperature,
		Provider:    pc.provider(),
	})
	if err != nil {
		return solved{}, err
	}
	code := extractCode(comp.Text, lang)
	if code == "" {
		return solved{}, errors.Newf(errors.LLMBadResponse, "solution reply had no usable code")
	}
	if err := pc.WS.PutSolution(lang, code); err != nil {
		return solved{}, err
	}
	path, err := pc.WS.SolutionPath(lang)
	if err != nil {
		return solved{}, err
	}
	_ = pc.WS.AppendLog(model.StageSolve, "model wrote a %s solution", lang)
	return solved{Path: path, Lang: lang, Code: code, Source: fromModel}, nil
}

// localCompileCheck catches compile errors before burning a remote
// submission. Only C++ compiles locally; interpreted code goes straight
// to the judge.
func (r *Runner) localCompileCheck(ctx context.Context, pc *ProblemCtx, sol solved) error {
	release, err := r.deps.Gates.AcquireCompile(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = r.deps.Exec.Compile(ctx, sol.Lang, sol.Path, filepath.Dir(sol.Path))
	return err
}

// pollVerdict polls judge_status with growing intervals until a
// terminal verdict or the poll budget runs out. Transient poll errors
// keep polling inside the budget.
func (r *Runner) pollVerdict(ctx context.Context, pc *ProblemCtx, sub adapter.Submitter, handle string) (*adapter.JudgeResult, error) {
	interval := r.cfg.PollInterval
	deadline := time.Now().Add(r.cfg.PollTimeout)
	for {
		res, err := sub.JudgeStatus(ctx, handle)
		switch {
		case err == nil && res.Verdict.Terminal():
			return res, nil
		case err != nil && (!errors.IsRetryable(err) || ctx.Err() != nil):
			return nil, err
		case err != nil:
			_ = pc.WS.AppendLog(model.StageSolve, "status poll failed, retrying: %v", err)
		}

		if time.Now().After(deadline) {
			return nil, errors.Newf(errors.JudgePollTimeout,
				"verdict still pending after %s", r.cfg.PollTimeout).
				WithDetail("submission", handle)
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
		interval = interval * 3 / 2
		if interval > 10*time.Second {
			interval = 10 * time.Second
		}
	}
}
