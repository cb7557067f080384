package verifier

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
)

// maxStderr bounds how much renderer stderr is kept for the verdict detail.
const maxStderr = 4096

// RenderJob describes one re-render of a scene.
type RenderJob struct {
	SubtaskID string
	WorkDir   string
	SceneFile string
	Format    domain.OutputFormat
	OutputDir string
}

// Renderer re-renders a scene into job.OutputDir.
type Renderer interface {
	Render(ctx context.Context, job RenderJob) error
}

// ExecRenderer runs an external rendering engine. Args may contain the
// placeholders {scene}, {format}, {output} and {workdir}.
type ExecRenderer struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// Render launches the engine in job.WorkDir and waits for it to exit. A
// non-zero exit is an error carrying the tail of stderr.
func (r *ExecRenderer) Render(ctx context.Context, job RenderJob) error {
	if r.Command == "" {
		return fmt.Errorf("no renderer command configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	repl := strings.NewReplacer(
		"{scene}", job.SceneFile,
		"{format}", string(job.Format),
		"{output}", job.OutputDir,
		"{workdir}", job.WorkDir,
	)
	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		args[i] = repl.Replace(a)
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = job.WorkDir
	cmd.Env = os.Environ()
	for k, v := range r.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for renderer: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start renderer: %w", err)
	}
	logStdout(stdout, job.SubtaskID)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("renderer exited: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// logStdout forwards renderer output lines to the debug log until EOF.
func logStdout(r io.Reader, subtaskID string) {
	logger := log.WithField("subtask_id", subtaskID)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
}

// tailBuffer keeps the last maxStderr bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - maxStderr; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
