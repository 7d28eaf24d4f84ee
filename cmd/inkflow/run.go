package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"inkflow/internal/app"
	"inkflow/internal/core"
	"inkflow/internal/livesink"
	"inkflow/internal/logging"
	"inkflow/internal/runlog"
	"inkflow/internal/streams"
)

// conversationFile is the -file format. A bare JSON array of messages is
// accepted too.
type conversationFile struct {
	System   string         `json:"system"`
	Messages []core.Message `json:"messages"`
}

type runFlags struct {
	provider   string
	model      string
	system     string
	file       string
	markdown   bool
	transcript bool
	temp       *float64
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, []string, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.provider, "provider", "", "provider id (default: configured provider)")
	fs.StringVar(&f.model, "model", "", "model override")
	fs.StringVar(&f.system, "system", "", "system prompt")
	fs.StringVar(&f.file, "file", "", "conversation JSON file")
	fs.BoolVar(&f.markdown, "markdown", true, "keep markdown in the final transcript")
	fs.BoolVar(&f.transcript, "transcript", false, "print the final transcript instead of live tokens")
	fs.Func("temperature", "sampling temperature override", func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		f.temp = &v
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// buildRequest assembles the conversation from -file, the prompt arguments
// and, when stdin is not a terminal, standard input.
func buildRequest(f *runFlags, prompt []string, stdin io.Reader) (streams.StartRequest, error) {
	req := streams.StartRequest{
		Provider:    f.provider,
		Model:       f.model,
		System:      f.system,
		Temperature: f.temp,
		Markdown:    f.markdown,
	}
	if f.file != "" {
		conv, err := readConversation(f.file)
		if err != nil {
			return req, err
		}
		req.Messages = conv.Messages
		if req.System == "" {
			req.System = conv.System
		}
	}

	text := strings.TrimSpace(strings.Join(prompt, " "))
	if text == "" && f.file == "" && stdin != nil {
		if file, ok := stdin.(*os.File); !ok || !logging.IsTerminal(file) {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return req, fmt.Errorf("read stdin: %w", err)
			}
			text = strings.TrimSpace(string(data))
		}
	}
	if text != "" {
		req.Messages = append(req.Messages, core.Message{Role: core.RoleUser, Content: text})
	}
	if len(req.Messages) == 0 {
		return req, errors.New("no prompt: pass text, -file, or pipe it on stdin")
	}
	return req, nil
}

func readConversation(path string) (*conversationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var conv conversationFile
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &conv.Messages)
	} else {
		err = json.Unmarshal(data, &conv)
	}
	if err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", path, err)
	}
	return &conv, nil
}

func runCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f, prompt, err := parseRunFlags(args, stderr)
	if err != nil {
		return 2
	}
	req, err := buildRequest(f, prompt, stdin)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfgResult, logger, err := loadConfig(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	opts := app.Options{AppConfig: cfgResult, Logger: logger}
	if !f.transcript {
		opts.Sinks = append(opts.Sinks, livesink.NewWriter(stdout, logger))
	}
	application, err := app.New(ctx, opts)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = application.Shutdown(shutdownCtx)
	}()

	m := application.Manager()
	id, err := m.Start(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	go func() {
		<-ctx.Done()
		m.Cancel(id)
	}()
	res, err := m.Wait(context.Background(), id)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if f.transcript && res.Status == runlog.StatusCompleted {
		fmt.Fprintln(stdout, res.Transcript)
	}
	writeSummary(stderr, res)

	switch res.Status {
	case runlog.StatusCompleted:
		return 0
	case runlog.StatusCancelled:
		return 130
	default:
		return 1
	}
}

func writeSummary(w io.Writer, res *streams.Result) {
	fmt.Fprintf(w, "%s: provider=%s rounds=%d chars=%d duration=%s",
		res.Status, res.Provider, res.Rounds, len([]rune(res.Transcript)),
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Truncated {
		fmt.Fprint(w, " truncated")
	}
	if res.StreamDisabled {
		fmt.Fprint(w, " batch-fallback")
	}
	if res.CeilingApplied {
		fmt.Fprint(w, " ceiling")
	}
	if res.Error != "" {
		fmt.Fprintf(w, " stage=%s error=%q", res.Stage, res.Error)
	}
	fmt.Fprintln(w)
}
