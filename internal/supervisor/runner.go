package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Runner launches one agent process. ExecRunner is the production
// implementation; tests substitute a scripted fake.
type Runner interface {
	Start(ctx context.Context, id proto.AgentID) (Handle, error)
}

// Handle is one live agent process.
type Handle interface {
	// Wait blocks until the process exits. nil means exit code 0.
	Wait() error
	// Stop asks the process to exit politely.
	Stop() error
	// Kill terminates the process immediately.
	Kill() error
}

// ExecRunner spawns agents as child processes of the orchestrator:
// the same binary re-invoked with -agent <id> -server <url>. Agent
// stderr is folded line by line into the orchestrator's log stream.
type ExecRunner struct {
	// Binary is the agent executable. Empty means the running one.
	Binary string
	// ServerURL is the orchestrator endpoint handed to the agent.
	ServerURL string
	// Dir is the working directory agents start in.
	Dir string
}

// Start launches the agent process. The context is ignored here; the
// supervisor owns process lifetime through Stop and Kill.
func (r *ExecRunner) Start(_ context.Context, id proto.AgentID) (Handle, error) {
	bin := r.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve agent binary: %w", err)
		}
		bin = exe
	}

	out := newLineWriter(logx.NewLogger(string(id)))
	cmd := exec.Command(bin, "-agent", id.String(), "-server", r.ServerURL)
	cmd.Dir = r.Dir
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", id, err)
	}
	return &execHandle{cmd: cmd, out: out}, nil
}

type execHandle struct {
	cmd *exec.Cmd
	out *lineWriter
}

// Wait reaps the process. exec copies stderr into the line writer
// before returning, so the flush below only catches an unterminated
// final line.
func (h *execHandle) Wait() error {
	err := h.cmd.Wait()
	h.out.flush()
	return err
}

func (h *execHandle) Stop() error {
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// lineWriter splits a byte stream into lines and feeds them to the log
// stream raw, so agent output keeps its own formatting in the tail and
// on the push channel.
type lineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger *logx.Logger
}

func newLineWriter(logger *logx.Logger) *lineWriter {
	return &lineWriter{logger: logger}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		w.logger.Raw(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// flush emits whatever is buffered as a final line.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimRight(w.buf.String(), "\r\n"); rest != "" {
		w.logger.Raw(rest)
	}
	w.buf.Reset()
}
