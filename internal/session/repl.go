package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Prompt is written before each line of input.
const Prompt = "You: "

// Run reads queries from in, one per line, and writes each answer to
// out. It returns nil on "quit", "exit", end of input, or when ctx is
// cancelled. Blank lines are skipped.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		if _, err := fmt.Fprint(out, Prompt); err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if isExit(line) {
			s.logger.Info("exit requested")
			return nil
		}

		ans := s.Ask(ctx, line)
		if _, err := fmt.Fprintf(out, "\nAssistant: %s\n\n", ans.Text); err != nil {
			return fmt.Errorf("write answer: %w", err)
		}
	}
}

func isExit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit":
		return true
	}
	return false
}
