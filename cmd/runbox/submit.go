package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/client"
	"github.com/michaelbrown/runbox/internal/storage"
)

var (
	languageFlag  string
	stdinFlag     string
	stdinFileFlag string
	noWaitFlag    bool
)

var extensions = map[string]string{
	".py":   "python",
	".c":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".java": "java",
	".js":   "javascript",
}

var submitCmd = &cobra.Command{
	Use:   "submit <file|->",
	Short: "Submit a source file for batch execution and wait for the result",
	Long: `Submit a source file to the runbox server and stream its status until it
completes. The language is inferred from the file extension unless --language
is given. Use - to read the source from stdin.

Examples:
  runbox submit main.py
  runbox submit solution.cpp --stdin-file input.txt
  echo 'console.log(1)' | runbox submit - --language javascript`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverFlag, userFlag)
		if err != nil {
			return err
		}
		job, err := c.Status(context.Background(), args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List your submissions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serverFlag, userFlag)
		if err != nil {
			return err
		}
		jobs, err := c.Submissions(context.Background())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No submissions.")
			return nil
		}
		fmt.Printf("%-38s %-11s %s\n", "ID", "LANGUAGE", "STATUS")
		fmt.Println(strings.Repeat("─", 60))
		for _, j := range jobs {
			fmt.Printf("%-38s %-11s %s\n", j.ID, j.Language, j.Status)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language (python, cpp, c, java, javascript)")
	submitCmd.Flags().StringVar(&stdinFlag, "stdin", "", "Program input")
	submitCmd.Flags().StringVar(&stdinFileFlag, "stdin-file", "", "Read program input from a file")
	submitCmd.Flags().BoolVar(&noWaitFlag, "no-wait", false, "Print the job id and return immediately")
	rootCmd.AddCommand(submitCmd, statusCmd, jobsCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	code, err := readSource(args[0])
	if err != nil {
		return err
	}

	lang := languageFlag
	if lang == "" {
		lang = extensions[strings.ToLower(filepath.Ext(args[0]))]
		if lang == "" {
			return fmt.Errorf("cannot infer language of %q; pass --language", args[0])
		}
	}

	var stdin *string
	switch {
	case stdinFileFlag != "":
		data, err := os.ReadFile(stdinFileFlag)
		if err != nil {
			return fmt.Errorf("reading stdin file: %w", err)
		}
		s := string(data)
		stdin = &s
	case cmd.Flags().Changed("stdin"):
		stdin = &stdinFlag
	}

	c, err := client.New(serverFlag, userFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := c.Submit(ctx, code, lang, stdin)
	if err != nil {
		return err
	}
	if noWaitFlag {
		fmt.Println(job.ID)
		return nil
	}
	fmt.Fprintf(os.Stderr, "\033[90mjob %s queued\033[0m\n", job.ID)

	final, err := c.Watch(ctx, job.ID, func(j *storage.Job) {
		if j.Status == storage.StatusRunning {
			fmt.Fprintf(os.Stderr, "\033[90mrunning...\033[0m\n")
		}
	})
	if err != nil {
		return err
	}
	if final.Output != nil {
		fmt.Print(*final.Output)
	}
	return nil
}

func readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

func printJob(j *storage.Job) {
	fmt.Printf("Job:      %s\n", j.ID)
	fmt.Printf("User:     %s\n", j.UserID)
	fmt.Printf("Language: %s\n", j.Language)
	fmt.Printf("Status:   %s\n", j.Status)
	if in := j.Input(); in != "" {
		fmt.Printf("Stdin:    %d bytes\n", len(in))
	}
	if j.Output != nil {
		fmt.Println(strings.Repeat("─", 60))
		fmt.Print(*j.Output)
		if !strings.HasSuffix(*j.Output, "\n") {
			fmt.Println()
		}
	}
}
