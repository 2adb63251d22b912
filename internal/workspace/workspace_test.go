package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"ojforge/internal/common/storage"
	"ojforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := newTestStore(t).Open("user-1", "cf-2042A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ws
}

func TestOpenRejectsBadSegments(t *testing.T) {
	store := newTestStore(t)
	bad := []string{"", ".", "..", "a/b", `a\b`}
	for _, seg := range bad {
		if _, err := store.Open(seg, "p1"); err == nil {
			t.Errorf("Open(%q, p1) should fail", seg)
		}
		if _, err := store.Open("u1", seg); err == nil {
			t.Errorf("Open(u1, %q) should fail", seg)
		}
	}
}

func TestStatementRoundTrip(t *testing.T) {
	ws := openTestWorkspace(t)
	if ws.HasStatement() {
		t.Fatal("fresh workspace should have no statement")
	}
	if _, err := ws.ReadStatement(); err == nil {
		t.Fatal("ReadStatement on empty workspace should fail")
	}

	st := &model.Statement{
		Title:  "Greatest Common Divisor",
		Body:   "Compute gcd(a, b).",
		Limits: model.Limits{TimeMS: 1000, MemoryMB: 256},
		Samples: []model.Sample{
			{In: "4 6\n", Out: "2\n"},
			{In: "7 5\n", Out: "1\n"},
		},
	}
	if err := ws.WriteStatement(st); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	if !ws.HasStatement() {
		t.Fatal("HasStatement should report true after write")
	}

	got, err := ws.ReadStatement()
	if err != nil {
		t.Fatalf("ReadStatement: %v", err)
	}
	if got.Title != st.Title || len(got.Samples) != 2 {
		t.Fatalf("statement mismatch: %+v", got)
	}

	// Sample files mirror the statement on disk.
	data, err := os.ReadFile(filepath.Join(ws.Dir(), "samples", "1.in"))
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if string(data) != "4 6\n" {
		t.Fatalf("sample content = %q", data)
	}
}

func TestGeneratedDataProbe(t *testing.T) {
	ws := openTestWorkspace(t)
	if ws.HasGeneratedData() {
		t.Fatal("fresh workspace should have no generated data")
	}

	if err := ws.PutGeneratedCase(1, []byte("1 2\n"), []byte("3\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	if !ws.HasGeneratedData() {
		t.Fatal("HasGeneratedData should report true after a complete pair")
	}

	// An orphan .in without its .ans does not count as a case.
	orphan := filepath.Join(ws.Dir(), "gen", "9.in")
	if err := os.WriteFile(orphan, []byte("x"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	cases, err := ws.GeneratedCases()
	if err != nil {
		t.Fatalf("GeneratedCases: %v", err)
	}
	if len(cases) != 1 || cases[0].Index != 1 {
		t.Fatalf("cases = %+v", cases)
	}

	if err := ws.ClearGeneratedData(); err != nil {
		t.Fatalf("ClearGeneratedData: %v", err)
	}
	if ws.HasGeneratedData() {
		t.Fatal("ClearGeneratedData should remove all cases")
	}
}

func TestGeneratedCasesNumericOrder(t *testing.T) {
	ws := openTestWorkspace(t)
	for _, i := range []int{10, 2, 1} {
		if err := ws.PutGeneratedCase(i, []byte(fmt.Sprintf("in%d", i)), []byte("ans")); err != nil {
			t.Fatalf("PutGeneratedCase(%d): %v", i, err)
		}
	}
	cases, err := ws.GeneratedCases()
	if err != nil {
		t.Fatalf("GeneratedCases: %v", err)
	}
	var got []int
	for _, c := range cases {
		got = append(got, c.Index)
	}
	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("cases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestAtomicWritesLeaveNoTempFiles(t *testing.T) {
	ws := openTestWorkspace(t)
	if err := ws.PutGeneratorScript("print('x')\n"); err != nil {
		t.Fatalf("PutGeneratorScript: %v", err)
	}
	if err := ws.PutSolution(LangCpp, "int main(){}\n"); err != nil {
		t.Fatalf("PutSolution: %v", err)
	}
	err := filepath.WalkDir(ws.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestSolutionPrefersCpp(t *testing.T) {
	ws := openTestWorkspace(t)
	if _, _, ok := ws.Solution(); ok {
		t.Fatal("fresh workspace should have no solution")
	}
	if err := ws.PutSolution(LangPython, "print(1)\n"); err != nil {
		t.Fatalf("PutSolution(py): %v", err)
	}
	_, lang, ok := ws.Solution()
	if !ok || lang != LangPython {
		t.Fatalf("Solution() = %q, %v", lang, ok)
	}
	if err := ws.PutSolution(LangCpp, "int main(){}\n"); err != nil {
		t.Fatalf("PutSolution(cpp): %v", err)
	}
	path, lang, ok := ws.Solution()
	if !ok || lang != LangCpp || !strings.HasSuffix(path, "solution.cpp") {
		t.Fatalf("Solution() = %q, %q, %v", path, lang, ok)
	}

	if err := ws.PutSolution("java", "class A{}"); err == nil {
		t.Fatal("unsupported language should be rejected")
	}
}

func TestReceiptScopedByAdapter(t *testing.T) {
	ws := openTestWorkspace(t)
	got, err := ws.Receipt("shsoj")
	if err != nil || got != nil {
		t.Fatalf("Receipt on empty workspace = %+v, %v", got, err)
	}

	r := &model.Receipt{Adapter: "shsoj", RealID: "1234", URL: "https://example.com/d/system/p/1234"}
	if err := ws.PutReceipt(r); err != nil {
		t.Fatalf("PutReceipt: %v", err)
	}
	got, err = ws.Receipt("shsoj")
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if got == nil || got.RealID != "1234" {
		t.Fatalf("receipt = %+v", got)
	}

	// A receipt from a different adapter is not reused.
	got, err = ws.Receipt("luogu")
	if err != nil || got != nil {
		t.Fatalf("cross-adapter receipt = %+v, %v", got, err)
	}
}

func TestSolveRecordScopedByAdapter(t *testing.T) {
	ws := openTestWorkspace(t)
	got, err := ws.SolveRecordFor("shsoj")
	if err != nil || got != nil {
		t.Fatalf("SolveRecordFor on empty workspace = %+v, %v", got, err)
	}

	rec := &SolveRecord{Adapter: "shsoj", SubmissionID: "987", Verdict: "accepted", Score: 100}
	if err := ws.PutSolveRecord(rec); err != nil {
		t.Fatalf("PutSolveRecord: %v", err)
	}
	got, err = ws.SolveRecordFor("shsoj")
	if err != nil {
		t.Fatalf("SolveRecordFor: %v", err)
	}
	if got == nil || got.Verdict != "accepted" || got.SubmissionID != "987" {
		t.Fatalf("solve record = %+v", got)
	}

	got, err = ws.SolveRecordFor("hydrooj")
	if err != nil || got != nil {
		t.Fatalf("cross-adapter solve record = %+v, %v", got, err)
	}
}

func TestStageLogAppend(t *testing.T) {
	ws := openTestWorkspace(t)
	if err := ws.AppendLog(model.StageFetch, "fetching %s", "cf-2042A"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	if err := ws.AppendLog(model.StageFetch, "fetched ok\n"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	content, err := ws.ReadLog(model.StageFetch)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.Contains(content, "fetching cf-2042A") || !strings.Contains(content, "fetched ok") {
		t.Fatalf("log content = %q", content)
	}
	if strings.Count(content, "\n") != 2 {
		t.Fatalf("expected 2 lines, got %q", content)
	}

	empty, err := ws.ReadLog(model.StageSolve)
	if err != nil || empty != "" {
		t.Fatalf("log for never-run stage = %q, %v", empty, err)
	}

	logs, err := ws.Logs()
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs["fetch"] == "" {
		t.Fatalf("Logs() = %v", logs)
	}

	if err := ws.AppendLog(model.Stage("bogus"), "x"); err == nil {
		t.Fatal("unknown stage should be rejected")
	}
}

func TestSnapshotZip(t *testing.T) {
	ws := openTestWorkspace(t)
	st := &model.Statement{Title: "T", Samples: []model.Sample{{In: "1\n", Out: "1\n"}}}
	if err := ws.WriteStatement(st); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	if err := ws.PutGeneratedCase(1, []byte("5\n"), []byte("25\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	// A straggler temp file must not leak into the snapshot.
	if err := os.WriteFile(filepath.Join(ws.Dir(), ".tmp-123"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	var buf bytes.Buffer
	if err := ws.SnapshotZip(&buf); err != nil {
		t.Fatalf("SnapshotZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
		if strings.Contains(f.Name, `\`) {
			t.Errorf("entry %q uses backslashes", f.Name)
		}
		if mode := f.Mode() & fs.ModePerm; mode != 0o644 {
			t.Errorf("entry %q mode = %o", f.Name, mode)
		}
	}
	for _, want := range []string{"statement.json", "samples/1.in", "samples/1.out", "gen/1.in", "gen/1.ans"} {
		if !names[want] {
			t.Errorf("zip missing %q (have %v)", want, names)
		}
	}
	if names[".tmp-123"] {
		t.Error("temp file leaked into snapshot")
	}

	rc, err := zr.Open("gen/1.ans")
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "25\n" {
		t.Fatalf("entry content = %q", data)
	}
}

// memStorage is an in-memory ObjectStorage for archiver tests.
type memStorage struct {
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) key(bucket, objectKey string) string { return bucket + "/" + objectKey }

func (m *memStorage) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (m *memStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.objects[m.key(bucket, objectKey)] = data
	return nil
}

func (m *memStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	data, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	data, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (m *memStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	out := make(chan storage.ObjectInfo)
	go func() {
		defer close(out)
		for k, v := range m.objects {
			if strings.HasPrefix(k, m.key(bucket, prefix)) {
				out <- storage.ObjectInfo{Key: strings.TrimPrefix(k, bucket+"/"), SizeBytes: int64(len(v))}
			}
		}
	}()
	return out
}

func (m *memStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		delete(m.objects, m.key(bucket, k))
	}
	return nil
}

var _ storage.ObjectStorage = (*memStorage)(nil)

func TestArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	ws := openTestWorkspace(t)
	st := &model.Statement{Title: "T"}
	if err := ws.WriteStatement(st); err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	if err := ws.PutGeneratedCase(1, []byte("in\n"), []byte("ans\n")); err != nil {
		t.Fatalf("PutGeneratedCase: %v", err)
	}
	if err := ws.AppendLog(model.StageGenerate, "generated"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	mem := newMemStorage()
	arch := NewArchiver(mem, "forge-archives")

	ok, err := arch.Archived(ctx, ws)
	if err != nil || ok {
		t.Fatalf("Archived before upload = %v, %v", ok, err)
	}

	if err := arch.Archive(ctx, ws); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	ok, err = arch.Archived(ctx, ws)
	if err != nil || !ok {
		t.Fatalf("Archived after upload = %v, %v", ok, err)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ws.HasStatement() {
		t.Fatal("local workspace should be gone")
	}

	if err := arch.Restore(ctx, ws); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ws.HasStatement() || !ws.HasGeneratedData() {
		t.Fatal("restore should bring back statement and cases")
	}
	content, err := ws.ReadLog(model.StageGenerate)
	if err != nil || !strings.Contains(content, "generated") {
		t.Fatalf("restored log = %q, %v", content, err)
	}

	if err := arch.Discard(ctx, ws); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	ok, err = arch.Archived(ctx, ws)
	if err != nil || ok {
		t.Fatalf("Archived after discard = %v, %v", ok, err)
	}
}
