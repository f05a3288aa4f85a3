package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/client"
)

var replLanguage string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Open an interactive sandboxed REPL",
	Long: `Start an interactive session on the runbox server and attach this terminal
to it. Each line typed is sent to the sandboxed interpreter; its output is
printed as it arrives. Ctrl+D or Ctrl+C ends the session.

Examples:
  runbox repl
  runbox repl --language javascript`,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().StringVarP(&replLanguage, "language", "l", "python", "Interpreter (python, javascript)")
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, args []string) error {
	c, err := client.New(serverFlag, userFlag)
	if err != nil {
		return err
	}

	ctx := context.Background()
	id, err := c.StartREPL(ctx, replLanguage)
	if err != nil {
		return err
	}
	sess, err := c.Attach(ctx, id)
	if err != nil {
		return err
	}
	defer sess.Close()

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		HistoryFile:     filepath.Join(home, ".runbox", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Terminal output arrives independently of input lines.
	var leaving atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			out, err := sess.Receive()
			if err != nil {
				if !errors.Is(err, io.EOF) && !leaving.Load() {
					fmt.Fprintf(rl.Stderr(), "\n\033[31m%v\033[0m\n", err)
				}
				fmt.Fprintln(rl.Stderr(), "\n\033[90msession closed\033[0m")
				rl.Close()
				return
			}
			fmt.Fprint(rl.Stdout(), out)
		}
	}()

	for {
		// Interrupt, EOF, or readline closed after the session ended.
		line, err := rl.Readline()
		if err != nil {
			break
		}
		if err := sess.Send(line + "\n"); err != nil {
			break
		}
	}

	leaving.Store(true)
	sess.Close()
	<-done
	return nil
}
