package frontend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec runs an external analyzer. The text is written to its stdin and every
// non-empty stdout line is read back as one label. The dictionary directory
// is passed with --dictionary.
type Exec struct {
	cmd     []string
	timeout time.Duration

	mu         sync.Mutex
	dictionary string
}

// NewExec parses command with shell quoting rules.
func NewExec(command string, timeout time.Duration) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse frontend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("frontend command is empty")
	}
	return &Exec{cmd: args, timeout: timeout}, nil
}

// Load checks the dictionary and the command and starts using them.
func (e *Exec) Load(dictionaryPath string) error {
	commit, err := e.Stage(dictionaryPath)
	if err != nil {
		return err
	}
	commit()
	return nil
}

// Stage checks the dictionary and the command; the returned commit makes
// later analyses use dictionaryPath.
func (e *Exec) Stage(dictionaryPath string) (func(), error) {
	if _, err := os.Stat(dictionaryPath); err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return nil, fmt.Errorf("frontend command: %w", err)
	}
	return func() {
		e.mu.Lock()
		e.dictionary = dictionaryPath
		e.mu.Unlock()
	}, nil
}

func (e *Exec) Analyze(text string) ([]string, error) {
	e.mu.Lock()
	dictionary := e.dictionary
	e.mu.Unlock()
	if dictionary == "" {
		return nil, ErrNotLoaded
	}

	ctx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	args := append(append([]string{}, e.cmd[1:]...), "--dictionary", dictionary)
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	command.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("frontend command failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	var labels []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frontend output: %w", err)
	}
	return labels, nil
}

// Refresh is a no-op; the external process keeps no state between calls.
func (e *Exec) Refresh() {}
