package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// runREPL drives the interactive command loop, modeled on cmd/sloty's
// liner-backed REPL: history file, tab completion, Ctrl-C aborts the
// current line rather than the process.
func runREPL(s *session, in io.Reader, out, errOut io.Writer, sigCh <-chan os.Signal) int {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(replCompleter)

	if f, err := os.Open(historyFile()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(out, "amdb - embedded versioned key-value store")
	fmt.Fprintln(out, "Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sigCh
		cancel()
	}()

	for {
		prompt := "amdb> "
		if s.current != "" {
			prompt = s.current + "> "
		}

		text, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				break
			}
			fmt.Fprintln(errOut, "error reading input:", err)
			break
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		line.AppendHistory(text)

		if text == "exit" || text == "quit" {
			break
		}

		if err := s.dispatch(ctx, text); err != nil {
			fmt.Fprintln(errOut, "error:", err)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "shutting down")
			saveHistory(line)
			return 130
		default:
		}
	}

	saveHistory(line)
	return 0
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".amdb_history")
}

func saveHistory(line *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}

func replCompleter(text string) []string {
	commands := []string{
		"connect", "disconnect", "use",
		"put", "get", "delete", "batch",
		"select", "show", "history", "flush",
		"help", "exit", "quit",
	}

	var out []string
	lower := strings.ToLower(text)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}
