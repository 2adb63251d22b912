package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ojforge/internal/model"
	"ojforge/pkg/errors"
)

// Stage logs are append-only files under logs/<stage>.log. They survive
// retries so the full history of a problem stays inspectable.

func (w *Workspace) logPath(stage model.Stage) string {
	return filepath.Join(w.dir, logsDir, string(stage)+".log")
}

// AppendLog appends one timestamped line to the stage log.
func (w *Workspace) AppendLog(stage model.Stage, format string, args ...interface{}) error {
	f, err := w.openLog(stage)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().Format(time.RFC3339), line)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceError, "append stage log")
	}
	return nil
}

// LogWriter returns an append writer for streaming subprocess output into
// the stage log. The caller must Close it.
func (w *Workspace) LogWriter(stage model.Stage) (io.WriteCloser, error) {
	return w.openLog(stage)
}

func (w *Workspace) openLog(stage model.Stage) (*os.File, error) {
	if !stage.Valid() {
		return nil, errors.Newf(errors.WorkspaceError, "unknown log stage").
			WithDetail("stage", string(stage))
	}
	if err := os.MkdirAll(filepath.Join(w.dir, logsDir), dirMode); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "create logs directory")
	}
	f, err := os.OpenFile(w.logPath(stage), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceError, "open stage log")
	}
	return f, nil
}

// ReadLog returns the full stage log, or "" when the stage never ran.
func (w *Workspace) ReadLog(stage model.Stage) (string, error) {
	data, err := os.ReadFile(w.logPath(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, errors.WorkspaceError, "read stage log")
	}
	return string(data), nil
}

// Logs collects every existing stage log keyed by stage name.
func (w *Workspace) Logs() (map[string]string, error) {
	out := make(map[string]string)
	for _, stage := range model.AllStages {
		content, err := w.ReadLog(stage)
		if err != nil {
			return nil, err
		}
		if content != "" {
			out[string(stage)] = content
		}
	}
	return out, nil
}
