package acp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const maxStderrLines = 50

// process is a running agent subprocess speaking ACP over stdio.
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	stderr []string
	done   chan struct{}
	err    error
}

func startProcess(command string, args []string, dir string, env []string, log zerolog.Logger) (*process, error) {
	if command == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, command, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), env...)

	p := &process{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	go p.readStderr(stderr, log)
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) readStderr(r io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug().Str("stream", "stderr").Msg(line)
		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > maxStderrLines {
			p.stderr = p.stderr[len(p.stderr)-maxStderrLines:]
		}
		p.mu.Unlock()
	}
}

// stderrTail returns the last captured stderr lines.
func (p *process) stderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderr, "\n")
}

// stop kills the process and waits for it to exit.
func (p *process) stop() {
	_ = p.stdin.Close()
	p.cancel()
	<-p.done
}
