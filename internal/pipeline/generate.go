package pipeline

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ojforge/internal/llm"
	"ojforge/internal/model"
	"ojforge/internal/pipeline/exec"
	"ojforge/internal/workspace"
	"ojforge/pkg/errors"
	"ojforge/pkg/utils/logger"
)

const (
	// maxCaseBytes caps one generated input; anything bigger is dropped.
	maxCaseBytes = 8 << 20
	// maxImageBytes caps one statement image fetched for transcription.
	maxImageBytes = 4 << 20
)

// runGenerate produces test data: a model writes a Python generator,
// the generator writes the input files, and answers come from a
// reference solution when one exists, otherwise from per-input model
// calls. Quality failures walk the sampling temperature down and try
// again; only a usable .in/.ans pair set counts as stage output.
func (r *Runner) runGenerate(ctx context.Context, pc *ProblemCtx) error {
	st, err := pc.WS.ReadStatement()
	if err != nil {
		return err
	}

	figureText, err := r.transcribeFigures(ctx, pc, st)
	if err != nil {
		return err
	}

	n := r.caseCount(pc.Task)
	inputs, err := r.produceInputs(ctx, pc, st, n, figureText)
	if err != nil {
		return err
	}

	produced, err := r.produceAnswers(ctx, pc, st, figureText, inputs)
	if err != nil {
		return err
	}

	floor := r.minCases(pc.Task)
	if produced < floor {
		return errors.Newf(errors.GenInsufficient,
			"only %d of %d cases produced, floor is %d", produced, n, floor).
			WithDetail("produced", produced).
			WithDetail("floor", floor)
	}
	if produced < n {
		_ = pc.WS.AppendLog(model.StageGenerate,
			"partial success: %d of %d cases, floor %d", produced, n, floor)
	}
	_ = pc.WS.AppendLog(model.StageGenerate, "generated %d test cases", produced)
	logger.Info(ctx, "test data generated",
		zap.Int("cases", produced),
		zap.Int("target", n))
	return nil
}

// produceInputs asks the model for a generator script and runs it until
// a run yields at least one input file. A reply without usable code
// drops the temperature by 0.15, a script that crashes or times out by
// 0.2; both floor at 0.1.
func (r *Runner) produceInputs(ctx context.Context, pc *ProblemCtx, st *model.Statement, n int, figureText string) ([]genInput, error) {
	prompt := generatorPrompt(st, n, figureText)
	genDir := filepath.Dir(pc.WS.GeneratorPath())

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		comp, err := r.deps.LLM.Generate(ctx, pc.userID(), llm.Request{
			System:      generatorSystem,
			Prompt:      prompt,
			Temperature: pc.Temperature,
			Provider:    pc.provider(),
		})
		if err != nil {
			return nil, err
		}
		code := extractCode(comp.Text, workspace.LangPython)
		if code == "" {
			pc.Temperature = lowerTemp(pc.Temperature, 0.15, 0.1)
			_ = pc.WS.AppendLog(model.StageGenerate,
				"generator attempt %d: reply had no usable python code, temperature now %.2f",
				attempt, pc.Temperature)
			continue
		}

		// Stale inputs from a previous attempt must not leak into this
		// run's case set.
		if err := pc.WS.ClearGeneratedData(); err != nil {
			return nil, err
		}
		if err := pc.WS.PutGeneratorScript(code); err != nil {
			return nil, err
		}

		res, err := r.runGeneratorScript(ctx, pc)
		if err != nil {
			return nil, err
		}
		if res.TimedOut || res.ExitCode != 0 {
			pc.Temperature = lowerTemp(pc.Temperature, 0.2, 0.1)
			_ = pc.WS.AppendLog(model.StageGenerate,
				"generator attempt %d: script failed (exit %d, timed_out %v), temperature now %.2f\n%s",
				attempt, res.ExitCode, res.TimedOut, pc.Temperature, truncateStr(string(res.Stderr), 2048))
			continue
		}

		inputs, err := listInputs(genDir, n)
		if err != nil {
			return nil, err
		}
		if len(inputs) == 0 {
			pc.Temperature = lowerTemp(pc.Temperature, 0.15, 0.1)
			_ = pc.WS.AppendLog(model.StageGenerate,
				"generator attempt %d: script produced no input files, temperature now %.2f",
				attempt, pc.Temperature)
			continue
		}
		_ = pc.WS.AppendLog(model.StageGenerate,
			"generator attempt %d: %d input files produced", attempt, len(inputs))
		return inputs, nil
	}
	return nil, errors.Newf(errors.GeneratorInvalid,
		"no working generator after %d attempts", r.cfg.MaxAttempts)
}

func (r *Runner) runGeneratorScript(ctx context.Context, pc *ProblemCtx) (exec.Result, error) {
	release, err := r.deps.Gates.AcquireCompile(ctx)
	if err != nil {
		return exec.Result{}, err
	}
	defer release()
	script := pc.WS.GeneratorPath()
	return r.deps.Exec.RunScript(ctx, script, filepath.Dir(script), 0)
}

// genInput is one generator-produced input file.
type genInput struct {
	Index int
	Path  string
}

// listInputs collects <i>.in files under dir in index order, at most n.
func listInputs(dir string, n int) ([]genInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "list generator outputs")
	}
	var inputs []genInput
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".in") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".in"))
		if err != nil || idx < 1 {
			continue
		}
		inputs = append(inputs, genInput{Index: idx, Path: filepath.Join(dir, name)})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Index < inputs[j].Index })
	if len(inputs) > n {
		inputs = inputs[:n]
	}
	return inputs, nil
}

// produceAnswers writes the .ans half of every case. A reference
// solution is preferred: one already in the workspace, else one the
// source adapter can provide. Without a compilable solution every input
// falls back to a model answer.
func (r *Runner) produceAnswers(ctx context.Context, pc *ProblemCtx, st *model.Statement, figureText string, inputs []genInput) (int, error) {
	solPath, solLang, ok := pc.WS.Solution()
	if !ok {
		if code, lang := r.providedSolution(ctx, pc); code != "" {
			if err := pc.WS.PutSolution(lang, code); err != nil {
				return 0, err
			}
			solPath, solLang, ok = pc.WS.Solution()
			_ = pc.WS.AppendLog(model.StageGenerate, "using %s solution provided by %s",
				lang, pc.Problem.SourceDomain)
		}
	}
	if ok {
		count, err := r.answersBySolution(ctx, pc, st, solPath, solLang, inputs)
		if err == nil {
			return count, nil
		}
		if ctx.Err() != nil || !errors.Is(err, errors.LocalCompileFailed) {
			return 0, err
		}
		_ = pc.WS.AppendLog(model.StageGenerate,
			"reference solution did not compile, falling back to model answers: %v", err)
	}
	return r.answersByModel(ctx, pc, st, figureText, inputs)
}

// providedSolution asks the source adapter for an official solution.
// Returns ("", "") when the capability is missing or nothing exists.
func (r *Runner) providedSolution(ctx context.Context, pc *ProblemCtx) (code, lang string) {
	provider, err := r.deps.Adapters.SolutionProvider(pc.Problem.SourceDomain)
	if err != nil {
		return "", ""
	}
	code, err = provider.ProvideSolution(ctx, pc.Problem.ProblemID)
	if err != nil {
		logger.Warn(ctx, "solution provider failed",
			zap.String("source", pc.Problem.SourceDomain), zap.Error(err))
		return "", ""
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ""
	}
	lang = workspace.LangPython
	if strings.Contains(code, "#include") {
		lang = workspace.LangCpp
	}
	return code, lang
}

// answersBySolution compiles the reference solution once and runs it
// over every input. Per-case failures drop the case; infra faults abort.
func (r *Runner) answersBySolution(ctx context.Context, pc *ProblemCtx, st *model.Statement, solPath, solLang string, inputs []genInput) (int, error) {
	release, err := r.deps.Gates.AcquireCompile(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	bin, err := r.deps.Exec.Compile(ctx, solLang, solPath, filepath.Dir(solPath))
	if err != nil {
		return 0, err
	}

	limit := runLimit(st)
	count := 0
	for _, in := range inputs {
		input, err := readCase(in.Path)
		if err != nil {
			_ = pc.WS.AppendLog(model.StageGenerate, "case %d dropped: %v", in.Index, err)
			continue
		}
		res, err := r.deps.Exec.Run(ctx, solLang, solPath, bin, input, limit)
		if err != nil {
			return count, err
		}
		if res.TimedOut || res.ExitCode != 0 {
			_ = pc.WS.AppendLog(model.StageGenerate,
				"case %d dropped: solution run failed (exit %d, timed_out %v)",
				in.Index, res.ExitCode, res.TimedOut)
			continue
		}
		if err := pc.WS.PutGeneratedCase(in.Index, input, res.Stdout); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// answersByModel asks the generation endpoint for the expected output of
// each input. Unusable replies drop the case.
func (r *Runner) answersByModel(ctx context.Context, pc *ProblemCtx, st *model.Statement, figureText string, inputs []genInput) (int, error) {
	_ = pc.WS.AppendLog(model.StageGenerate, "no reference solution, using model answers for %d inputs", len(inputs))
	count := 0
	for _, in := range inputs {
		input, err := readCase(in.Path)
		if err != nil {
			_ = pc.WS.AppendLog(model.StageGenerate, "case %d dropped: %v", in.Index, err)
			continue
		}
		comp, err := r.deps.LLM.Generate(ctx, pc.userID(), llm.Request{
			System:   answerSystem,
			Prompt:   answerPrompt(st, string(input)),
			Provider: pc.provider(),
		})
		if err != nil {
			return count, err
		}
		answer := strings.TrimSpace(comp.Text)
		if answer == "" {
			_ = pc.WS.AppendLog(model.StageGenerate, "case %d dropped: empty model answer", in.Index)
			continue
		}
		if err := pc.WS.PutGeneratedCase(in.Index, input, []byte(answer+"\n")); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// transcribeFigures runs OCR over statement images that carry no text
// alternative. Transcription is enrichment: a failure only fails the
// stage when the statement body is empty and the figures are all there
// is to work with.
func (r *Runner) transcribeFigures(ctx context.Context, pc *ProblemCtx, st *model.Statement) (string, error) {
	if len(st.ImageRefs) == 0 {
		return "", nil
	}
	images := make([]string, 0, len(st.ImageRefs))
	for _, ref := range st.ImageRefs {
		data, err := r.fetchImage(ctx, ref)
		if err != nil {
			_ = pc.WS.AppendLog(model.StageGenerate, "image %s skipped: %v", ref, err)
			continue
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	bodyEmpty := strings.TrimSpace(st.Body) == ""
	if len(images) == 0 {
		if bodyEmpty {
			return "", errors.Newf(errors.AdapterBadData, "statement is image-only and no image could be fetched")
		}
		return "", nil
	}

	comp, err := r.deps.LLM.OCR(ctx, pc.userID(), llm.Request{
		Prompt: ocrPrompt,
		Images: images,
	})
	if err != nil {
		if bodyEmpty {
			return "", err
		}
		_ = pc.WS.AppendLog(model.StageGenerate, "figure transcription failed, continuing without it: %v", err)
		logger.Warn(ctx, "ocr failed, continuing without figure text", zap.Error(err))
		return "", nil
	}
	_ = pc.WS.AppendLog(model.StageGenerate, "transcribed %d statement figures", len(images))
	return comp.Text, nil
}

func (r *Runner) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidFormat)
	}
	resp, err := r.deps.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.AdapterTransient, "fetch statement image")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.AdapterTransient, "image fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, errors.AdapterTransient, "read statement image")
	}
	if len(data) > maxImageBytes {
		return nil, errors.Newf(errors.AdapterBadData, "image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

func readCase(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "stat case input")
	}
	if info.Size() > maxCaseBytes {
		return nil, errors.Newf(errors.GeneratorInvalid, "input exceeds %d bytes", maxCaseBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "read case input")
	}
	return data, nil
}

// runLimit derives the local execution ceiling from the statement's
// judge limit: double it, floored at two seconds.
func runLimit(st *model.Statement) time.Duration {
	ms := st.Limits.TimeMS
	if ms <= 0 {
		ms = 1000
	}
	d := time.Duration(2*ms) * time.Millisecond
	if d < 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func lowerTemp(t, step, floor float64) float64 {
	t -= step
	if t < floor {
		t = floor
	}
	return t
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
