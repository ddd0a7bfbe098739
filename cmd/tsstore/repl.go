package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// REPL is the interactive command loop.
type REPL struct {
	session *session
	liner   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tsstore_history")
}

// Run reads commands from the terminal until exit or EOF.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	defer r.saveHistory()

	m := r.session.s.m
	fmt.Fprintf(r.session.out, "tsstore (key_size=%d, value_size=%d)\n", m.KeySize(), m.ValueSize())
	fmt.Fprintln(r.session.out, "Type 'help' for available commands.")
	fmt.Fprintln(r.session.out)

	for {
		line, err := r.liner.Prompt("tsstore> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.session.out, "\nBye!")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if r.session.exec(line) {
			fmt.Fprintln(r.session.out, "Bye!")

			return nil
		}
	}
}

// RunScript executes one command per line from in, for piped input.
func (r *REPL) RunScript(in io.Reader) error {
	sc := bufio.NewScanner(in)

	for sc.Scan() {
		if r.session.exec(sc.Text()) {
			return nil
		}
	}

	return sc.Err()
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}

func completer(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}
