// Package main provides the safechat CLI: fine-tune a BERT safety
// classifier, convert it into a mobile package and run predictions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/born-ml/safechat/internal/config"
	"github.com/born-ml/safechat/internal/logging"
)

const version = "v0.1.0"

const usage = `safechat - fine-tune and package a chat safety classifier

Usage:
  safechat <command> [flags]

Commands:
  train      Fine-tune a BERT classifier on a labeled CSV dataset
  convert    Convert a fine-tuned model into a mobile package
  predict    Classify messages with a package or checkpoint
  inspect    Describe an ONNX model or mobile package
  version    Show version

Global flags:
  --config string       config file (default ./safechat.yaml, $HOME/.safechat/safechat.yaml)
  --log-level string    log level (default "info")
  --log-format string   console or json (default "console")
`

// errUsage marks errors already reported with usage text.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// env carries the streams and settings a command runs with.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	flags  *pflag.FlagSet
	cfg    *config.Config
	log    zerolog.Logger
}

type command struct {
	name  string
	flags func(fs *pflag.FlagSet) map[string]string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{name: "train", flags: trainFlags, run: runTrain},
	{name: "convert", flags: convertFlags, run: runConvert},
	{name: "predict", flags: predictFlags, run: runPredict},
	{name: "inspect", run: runInspect},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "version", "--version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	e, rest, err := setup(cmd, args[1:], stdin, stdout, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "safechat %s: %v\n", cmd.name, err)
		return 2
	}
	if err := cmd.run(ctx, e, rest); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		e.log.Error().Err(err).Str("command", cmd.name).Msg("command failed")
		return 1
	}
	return 0
}

// setup parses flags, loads the layered configuration and builds the logger.
func setup(cmd *command, args []string, stdin io.Reader, stdout, stderr io.Writer) (*env, []string, error) {
	fs := pflag.NewFlagSet("safechat "+cmd.name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "console", "console or json")
	keys := map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	}
	if cmd.flags != nil {
		for flag, key := range cmd.flags(fs) {
			keys[flag] = key
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	bound := make(map[string]*pflag.Flag, len(keys))
	for flag, key := range keys {
		bound[key] = fs.Lookup(flag)
	}
	cfg, err := config.Load(*configPath, bound)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(stderr, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return &env{stdin: stdin, stdout: stdout, stderr: stderr, flags: fs, cfg: cfg, log: log}, fs.Args(), nil
}
