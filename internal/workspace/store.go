// Package workspace owns the on-disk layout for per-problem artifacts:
//
//	<root>/<user_id>/<problem_id>/
//	  statement.json
//	  samples/<i>.in, samples/<i>.out
//	  gen/gen.py, gen/<i>.in, gen/<i>.ans
//	  sol/solution.cpp | solution.py
//	  upload/receipt.json
//	  logs/<stage>.log
//
// The Has* probes are the pipeline's idempotency oracle: a fresh process
// reconstructs what is runnable purely from disk. Every file write is
// atomic (temp file + rename) so a probe never observes a half-written
// artifact.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

const (
	statementFile   = "statement.json"
	samplesDir      = "samples"
	genDir          = "gen"
	generatorFile   = "gen.py"
	solDir          = "sol"
	solveResultFile = "result.json"
	uploadDir       = "upload"
	receiptFile     = "receipt.json"
	logsDir         = "logs"

	fileMode = 0o644
	dirMode  = 0o755
)

// Store hands out Workspace handles under a fixed root.
type Store struct {
	root string
}

// NewStore creates a store rooted at root, creating the directory if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.Newf(errors.WorkspaceError, "workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "resolve workspace root")
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "create workspace root")
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// Open returns the workspace handle for (user, problem). The directory is
// created lazily by the first write.
func (s *Store) Open(userID, problemID string) (*Workspace, error) {
	if err := checkSegment(userID); err != nil {
		return nil, err
	}
	if err := checkSegment(problemID); err != nil {
		return nil, err
	}
	return &Workspace{
		UserID:    userID,
		ProblemID: problemID,
		dir:       filepath.Join(s.root, userID, problemID),
	}, nil
}

func checkSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
		return errors.Newf(errors.WorkspaceError, "invalid workspace path segment").
			WithDetail("segment", seg)
	}
	return nil
}

// Workspace is the handle for one problem's artifact directory.
type Workspace struct {
	UserID    string
	ProblemID string
	dir       string
}

// Dir returns the absolute workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Exists reports whether the directory has been created.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.dir)
	return err == nil && info.IsDir()
}

// Remove deletes the whole workspace subtree.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "remove workspace")
	}
	return nil
}

// HasStatement probes for a fetched statement.
func (w *Workspace) HasStatement() bool {
	return fileExists(filepath.Join(w.dir, statementFile))
}

// WriteStatement persists the normalized statement and its sample files.
func (w *Workspace) WriteStatement(st *model.Statement) error {
	if st == nil {
		return errors.Newf(errors.WorkspaceError, "statement is nil")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "marshal statement")
	}
	for i, sample := range st.Samples {
		base := filepath.Join(w.dir, samplesDir, strconv.Itoa(i+1))
		if err := w.writeFileAtomic(base+".in", []byte(sample.In)); err != nil {
			return err
		}
		if err := w.writeFileAtomic(base+".out", []byte(sample.Out)); err != nil {
			return err
		}
	}
	// Statement lands last so HasStatement implies the samples are on disk.
	return w.writeFileAtomic(filepath.Join(w.dir, statementFile), data)
}

// ReadStatement loads statement.json.
func (w *Workspace) ReadStatement() (*model.Statement, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, statementFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.StatementMissing, "statement not fetched yet")
		}
		return nil, errors.Wrapf(err, errors.WorkspaceError, "read statement")
	}
	var st model.Statement
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "parse statement")
	}
	return &st, nil
}

// ClearStatement removes the statement and its sample files so the
// fetch stage re-runs; a user retry targeting fetch calls this.
func (w *Workspace) ClearStatement() error {
	if err := os.Remove(filepath.Join(w.dir, statementFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.WorkspaceError, "clear statement")
	}
	if err := os.RemoveAll(filepath.Join(w.dir, samplesDir)); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "clear samples")
	}
	return nil
}

// PutGeneratorScript stores the LLM-produced generator as gen/gen.py.
func (w *Workspace) PutGeneratorScript(code string) error {
	return w.writeFileAtomic(filepath.Join(w.dir, genDir, generatorFile), []byte(code))
}

// GeneratorPath returns the generator script location.
func (w *Workspace) GeneratorPath() string {
	return filepath.Join(w.dir, genDir, generatorFile)
}

// HasGenerator probes for a stored generator script.
func (w *Workspace) HasGenerator() bool {
	return fileExists(w.GeneratorPath())
}

// PutGeneratedCase stores one produced test case pair (1-based index).
func (w *Workspace) PutGeneratedCase(i int, input, answer []byte) error {
	base := filepath.Join(w.dir, genDir, strconv.Itoa(i))
	if err := w.writeFileAtomic(base+".in", input); err != nil {
		return err
	}
	return w.writeFileAtomic(base+".ans", answer)
}

// Case is one generated test pair on disk.
type Case struct {
	Index   int
	InPath  string
	AnsPath string
}

// GeneratedCases lists complete .in/.ans pairs in index order.
func (w *Workspace) GeneratedCases() ([]Case, error) {
	entries, err := os.ReadDir(filepath.Join(w.dir, genDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.WorkspaceError, "list generated cases")
	}
	var cases []Case
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".in") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".in"))
		if err != nil {
			continue
		}
		inPath := filepath.Join(w.dir, genDir, name)
		ansPath := filepath.Join(w.dir, genDir, strconv.Itoa(idx)+".ans")
		if !fileExists(ansPath) {
			continue
		}
		cases = append(cases, Case{Index: idx, InPath: inPath, AnsPath: ansPath})
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].Index < cases[j].Index })
	return cases, nil
}

// HasGeneratedData probes whether at least one complete case pair exists.
func (w *Workspace) HasGeneratedData() bool {
	cases, err := w.GeneratedCases()
	return err == nil && len(cases) > 0
}

// ClearGeneratedData removes the gen/ subtree; used when a retry targets
// the generation stage.
func (w *Workspace) ClearGeneratedData() error {
	if err := os.RemoveAll(filepath.Join(w.dir, genDir)); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "clear generated data")
	}
	return nil
}

// Solution languages the solve stage understands.
const (
	LangCpp    = "cpp"
	LangPython = "python"
)

// PutSolution stores the reference solution for the given language.
func (w *Workspace) PutSolution(lang, code string) error {
	name, err := solutionFileName(lang)
	if err != nil {
		return err
	}
	return w.writeFileAtomic(filepath.Join(w.dir, solDir, name), []byte(code))
}

// Solution returns the stored reference solution, preferring C++ when both
// exist. ok is false when no solution file is present.
func (w *Workspace) Solution() (path, lang string, ok bool) {
	cpp := filepath.Join(w.dir, solDir, "solution.cpp")
	if fileExists(cpp) {
		return cpp, LangCpp, true
	}
	py := filepath.Join(w.dir, solDir, "solution.py")
	if fileExists(py) {
		return py, LangPython, true
	}
	return "", "", false
}

// SolutionPath returns where PutSolution stores lang, whether or not
// the file exists yet.
func (w *Workspace) SolutionPath(lang string) (string, error) {
	name, err := solutionFileName(lang)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.dir, solDir, name), nil
}

func solutionFileName(lang string) (string, error) {
	switch lang {
	case LangCpp:
		return "solution.cpp", nil
	case LangPython:
		return "solution.py", nil
	}
	return "", errors.Newf(errors.WorkspaceError, "unsupported solution language").
		WithDetail("lang", lang)
}

// SolveRecord is the outcome of a verified remote submission, persisted to
// sol/result.json. An accepted record lets a later run skip the solve stage.
type SolveRecord struct {
	Adapter      string    `json:"adapter"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Verdict      string    `json:"verdict"`
	Score        int       `json:"score"`
	SolvedAt     time.Time `json:"solved_at"`
}

// PutSolveRecord persists the submission outcome.
func (w *Workspace) PutSolveRecord(rec *SolveRecord) error {
	if rec == nil {
		return errors.Newf(errors.WorkspaceError, "solve record is nil")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "marshal solve record")
	}
	return w.writeFileAtomic(filepath.Join(w.dir, solDir, solveResultFile), data)
}

// SolveRecordFor loads the stored submission outcome for the given adapter.
// Returns (nil, nil) when none exists or it belongs to another adapter.
func (w *Workspace) SolveRecordFor(adapter string) (*SolveRecord, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, solDir, solveResultFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.WorkspaceError, "read solve record")
	}
	var rec SolveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "parse solve record")
	}
	if adapter != "" && rec.Adapter != adapter {
		return nil, nil
	}
	return &rec, nil
}

// ClearSolveRecord drops the stored submission outcome so the solve
// stage re-verifies; a user retry targeting solve calls this.
func (w *Workspace) ClearSolveRecord() error {
	if err := os.Remove(filepath.Join(w.dir, solDir, solveResultFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.WorkspaceError, "clear solve record")
	}
	return nil
}

// ClearReceipt drops the upload receipt so the upload stage re-runs; a
// user retry targeting upload calls this.
func (w *Workspace) ClearReceipt() error {
	if err := os.Remove(filepath.Join(w.dir, uploadDir, receiptFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.WorkspaceError, "clear receipt")
	}
	return nil
}

// PutReceipt persists the upload receipt.
func (w *Workspace) PutReceipt(r *model.Receipt) error {
	if r == nil {
		return errors.Newf(errors.WorkspaceError, "receipt is nil")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "marshal receipt")
	}
	return w.writeFileAtomic(filepath.Join(w.dir, uploadDir, receiptFile), data)
}

// Receipt loads the upload receipt for the given adapter. Returns
// (nil, nil) when no receipt exists or it belongs to another adapter.
func (w *Workspace) Receipt(adapter string) (*model.Receipt, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, uploadDir, receiptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.WorkspaceError, "read receipt")
	}
	var r model.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "parse receipt")
	}
	if adapter != "" && r.Adapter != adapter {
		return nil, nil
	}
	return &r, nil
}

// writeFileAtomic writes data to path via a temp file and rename, creating
// parent directories as needed.
func (w *Workspace) writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create workspace directory")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, errors.WorkspaceError, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, errors.WorkspaceError, "close temp file")
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, errors.WorkspaceError, "chmod temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, errors.WorkspaceError, "rename temp file")
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
