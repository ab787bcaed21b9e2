package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// RunREPL reads commands from the terminal with line editing and history
// until quit, EOF or ctx ends. historyFile may be empty. Without a
// terminal it falls back to plain line reading from stdin.
func (i *Interpreter) RunREPL(ctx context.Context, prompt, historyFile string) error {
	if !liner.TerminalSupported() {
		logger.Debug("console", "stdin is not a terminal, reading plain lines")
		return i.RunLines(ctx, os.Stdin)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(complete)

	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			if _, err := line.ReadHistory(f); err != nil {
				logger.Warnf("console", "history %s unreadable: %v", historyFile, err)
			}
			f.Close()
		}
		defer saveHistory(line, historyFile)
	}

	fmt.Fprintln(i.out, "gpsdo console, type help for commands")
	for ctx.Err() == nil {
		input, err := line.Prompt(prompt)
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("console: %w", err)
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		if i.run(input) {
			return nil
		}
	}
	return nil
}

func saveHistory(line *liner.State, path string) {
	f, err := os.Create(path)
	if err != nil {
		logger.Warnf("console", "cannot save history to %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		logger.Warnf("console", "cannot save history to %s: %v", path, err)
	}
}

func complete(line string) []string {
	var out []string
	for _, c := range Commands() {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}
