package agent

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"conductor/internal/domain"
)

// Service is the narrow contract of an agent execution session: a prompt
// goes in, an ordered event stream comes out, terminated by exactly one
// idle or error event.
type Service interface {
	Submit(ctx context.Context, prompt string) (<-chan domain.Event, error)
}

// Factory creates the service session backing one specialization lane.
type Factory func(spec domain.Specialization) Service

// CodexService runs prompts through the codex CLI. Each Submit spawns one
// `codex exec` invocation; stdout lines become message events and process
// exit becomes the terminal event.
type CodexService struct {
	binary         string
	workdir        string
	specialization domain.Specialization
	logger         *log.Logger
}

func NewCodexService(binary, workdir string, spec domain.Specialization, logger *log.Logger) *CodexService {
	if strings.TrimSpace(binary) == "" {
		binary = "codex"
	}
	if strings.TrimSpace(workdir) == "" {
		workdir = "."
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CodexService{
		binary:         binary,
		workdir:        workdir,
		specialization: spec,
		logger:         logger,
	}
}

func (s *CodexService) Submit(ctx context.Context, prompt string) (<-chan domain.Event, error) {
	cmd := exec.CommandContext(ctx, s.binary, "exec", "--skip-git-repo-check", s.framePrompt(prompt))
	cmd.Dir = s.workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open codex stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}

	events := make(chan domain.Event, 16)
	go func() {
		defer close(events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			select {
			case events <- domain.Event{Kind: domain.EventMessage, Content: line + "\n"}:
			case <-ctx.Done():
				// Drain so Wait can finish; the terminal event below still
				// reports the cancellation.
			}
		}

		terminal := domain.Event{Kind: domain.EventIdle}
		if err := cmd.Wait(); err != nil {
			s.logger.Printf("codex exec failed specialization=%s: %v", s.specialization, err)
			terminal = domain.Event{Kind: domain.EventError, Content: err.Error()}
		}
		select {
		case events <- terminal:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

func (s *CodexService) framePrompt(prompt string) string {
	var b strings.Builder
	b.WriteString("You are acting as the ")
	b.WriteString(string(s.specialization))
	b.WriteString(" specialist of a task crew.\n")
	b.WriteString("Work only on the task below and print your result to stdout.\n\n")
	b.WriteString(prompt)
	return b.String()
}
