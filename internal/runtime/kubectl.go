// ABOUTME: Container attach channel built on kubectl, exposing the server's stdio
// ABOUTME: Also checks pod readiness for local attach deployments

package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Attacher opens a bidirectional stream to a server's stdio.
type Attacher interface {
	Attach(ctx context.Context, target *Target) (io.ReadWriteCloser, error)
}

// KubectlAttacher runs `kubectl attach -i` against the target pod.
type KubectlAttacher struct {
	Path   string
	Logger *slog.Logger
}

// NewKubectlAttacher creates an attacher using the kubectl binary at path.
func NewKubectlAttacher(path string, logger *slog.Logger) *KubectlAttacher {
	if path == "" {
		path = "kubectl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KubectlAttacher{Path: path, Logger: logger.With("component", "kubectl")}
}

func attachArgs(target *Target) []string {
	args := []string{"attach", "-i", "-q", target.Pod}
	if target.Namespace != "" {
		args = append(args, "-n", target.Namespace)
	}
	if target.Container != "" {
		args = append(args, "-c", target.Container)
	}
	return args
}

// Attach implements Attacher. The stream stays open until Close, which
// terminates the kubectl process; ctx only bounds process startup.
func (a *KubectlAttacher) Attach(ctx context.Context, target *Target) (io.ReadWriteCloser, error) {
	if target.Kind != KindAttach {
		return nil, fmt.Errorf("target %s is not an attach target", target.ServerID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(a.Path, attachArgs(target)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kubectl stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kubectl stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting kubectl attach: %w", err)
	}
	a.Logger.Debug("attached to pod", "server_id", target.ServerID, "pod", target.Pod, "namespace", target.Namespace)

	return &attachStream{cmd: cmd, stdin: stdin, stdout: stdout, stderr: &stderr, logger: a.Logger}, nil
}

// CheckReady implements ReadinessChecker by checking that the pod is Running.
func (a *KubectlAttacher) CheckReady(ctx context.Context, target *Target) (bool, error) {
	args := []string{"get", "pod", target.Pod, "-o", "jsonpath={.status.phase}"}
	if target.Namespace != "" {
		args = append(args, "-n", target.Namespace)
	}
	out, err := exec.CommandContext(ctx, a.Path, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, fmt.Errorf("kubectl get pod: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) == "Running", nil
}

// attachStream joins kubectl's stdin and stdout into one stream.
type attachStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer
	logger *slog.Logger
	once   sync.Once
}

func (s *attachStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *attachStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *attachStream) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		if waitErr := s.cmd.Wait(); waitErr != nil && s.stderr.Len() > 0 {
			s.logger.Debug("kubectl attach exited", "error", waitErr, "stderr", strings.TrimSpace(s.stderr.String()))
		}
	})
	return nil
}

// limitedWriter keeps at most n bytes.
type limitedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
	n  int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.n - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
