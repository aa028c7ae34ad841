package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/models"
)

var (
	ErrNoCommand     = errors.New("no_agent_command")
	ErrInvokeAborted = errors.New("invoke_aborted")
)

// PromptPlaceholder in a command argument is replaced with the task prompt.
// Commands without it receive the prompt as their last argument.
const PromptPlaceholder = "{prompt}"

// ProcessInvoker runs each agent as a child process. The process is killed
// when the invocation context is canceled.
type ProcessInvoker struct {
	Commands  map[string][]string
	Env       []string
	Roster    *models.Roster
	WaitDelay time.Duration
	Logger    zerolog.Logger
}

// Invoke runs the target agent's command for task.
func (p *ProcessInvoker) Invoke(ctx context.Context, task models.Task, snap models.Snapshot) error {
	argv, ok := p.Commands[task.Target]
	if !ok || len(argv) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCommand, task.Target)
	}
	prompt := BuildPrompt(task, snap, p.Roster)

	args := make([]string, 0, len(argv))
	substituted := false
	for _, a := range argv[1:] {
		if strings.Contains(a, PromptPlaceholder) {
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		"ARENA_ROOM_ID="+task.RoomID,
		"ARENA_TASK_ID="+task.ID,
		"ARENA_TARGET_AGENT="+task.Target,
	)

	logger := p.Logger.With().Str("agent", task.Target).Str("task_id", task.ID).Logger()
	stdout := &lineLogger{logger: logger, stream: "stdout"}
	stderr := &lineLogger{logger: logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		logger.Warn().Dur("elapsed", time.Since(start)).Msg("agent process killed")
		return fmt.Errorf("%w: %w", ErrInvokeAborted, context.Cause(ctx))
	}
	if err != nil {
		return fmt.Errorf("%s exited: %w", task.Target, err)
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("agent process finished")
	return nil
}

// lineLogger logs child output one line at a time.
type lineLogger struct {
	logger zerolog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	l.logger.Info().Str("stream", l.stream).Msg(text)
}
