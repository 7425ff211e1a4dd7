package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/txflow/internal/cache"
	"github.com/ggonzalez94/txflow/internal/chain"
	"github.com/ggonzalez94/txflow/internal/config"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/event"
	"github.com/ggonzalez94/txflow/internal/history"
	"github.com/ggonzalez94/txflow/internal/httpx"
	"github.com/ggonzalez94/txflow/internal/logging"
	"github.com/ggonzalez94/txflow/internal/model"
	"github.com/ggonzalez94/txflow/internal/out"
	"github.com/ggonzalez94/txflow/internal/schema"
	"github.com/ggonzalez94/txflow/internal/telemetry"
	"github.com/ggonzalez94/txflow/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time

	// interactive reports whether prompts can be shown on stdin.
	interactive func() bool
	// wire builds the chain-facing collaborators of a flow. Tests replace it.
	wire wireFunc
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout:      stdout,
		stderr:      stderr,
		stdin:       os.Stdin,
		now:         time.Now,
		interactive: func() bool { return stdinIsTerminal() },
		wire:        defaultWire,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command

	logger  *logging.Logger
	bus     *event.Bus
	http    *httpx.Client
	dialer  *chain.Dialer
	cache   *cache.Store
	history *history.Store
	tracker *telemetry.Tracker

	lastCommand string
	lastSession string
	lastData    any
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SetIn(r.stdin)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(context.Background())
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Multi-step on-chain transaction orchestrator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			if s.logger == nil {
				logger, err := logging.NewLogger(settings.LogDir, settings.LogLevel)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open log file", err)
				}
				s.logger = logger.With("command", s.lastCommand)
			}
			if s.bus == nil {
				s.bus = event.NewBus(s.logger)
				s.http = httpx.New(settings.Timeout, settings.Retries)
				s.tracker = telemetry.NewTracker(s.telemetrySink(), s.logger)
				s.tracker.Attach(s.bus)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "HTTP request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	cmd.PersistentFlags().StringVar(&s.flags.PollInterval, "poll-interval", "", "Receipt polling interval")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the receipt cache")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(newVersionCommand(s))
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newPlanCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newSchemaCommand())
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands, flags and exit codes as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := schema.Build(cmd.Root(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return s.emitSuccess(desc)
		},
	}
}

func newVersionCommand(s *runtimeState) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if long {
				_, err := fmt.Fprintln(s.runner.stdout, version.Long())
				return err
			}
			return s.emitSuccess(model.VersionInfo{
				Name:      version.CLIName,
				Version:   version.CLIVersion,
				Commit:    version.Commit,
				BuildDate: version.BuildDate,
			})
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print build details as a single line")
	return cmd
}

func (s *runtimeState) telemetrySink() telemetry.Sink {
	sinks := telemetry.MultiSink{telemetry.NewLogSink(s.logger)}
	if url := strings.TrimSpace(s.settings.TelemetryURL); url != "" {
		sinks = append(sinks, telemetry.NewHTTPSink(s.http, url))
	}
	return sinks
}

func (s *runtimeState) chainDialer() *chain.Dialer {
	if s.dialer == nil {
		s.dialer = chain.NewDialer(s.settings.RPCURL)
	}
	return s.dialer
}

// receiptCache opens the cache on first use. A disabled or unopenable cache
// yields nil, which the cached reader treats as a pass-through.
func (s *runtimeState) receiptCache() *cache.Store {
	if !s.settings.CacheEnabled {
		return nil
	}
	if s.cache == nil {
		store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
		if err != nil {
			s.logger.Warn("receipt cache unavailable", "path", s.settings.CachePath, "error", err.Error())
			return nil
		}
		s.cache = store
	}
	return s.cache
}

func (s *runtimeState) historyStore() (*history.Store, error) {
	if s.history == nil {
		store, err := history.OpenStore(s.settings.HistoryPath, s.settings.HistoryLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open history store", err)
		}
		s.history = store
	}
	return s.history, nil
}

func (s *runtimeState) close() {
	if s.tracker != nil && s.bus != nil {
		s.tracker.Detach(s.bus)
	}
	if s.dialer != nil {
		s.dialer.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}

func (s *runtimeState) emitSuccess(data any) error {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Error:   nil,
		Meta:    s.meta(),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

// renderError writes the error envelope to stderr. A flow that got as far as
// building a session carries its final state in data.
func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	var data any = []any{}
	if s.lastData != nil {
		data = s.lastData
	}
	meta := s.meta()
	meta.Command = commandPath
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Meta: meta,
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) meta() model.EnvelopeMeta {
	return model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   s.lastCommand,
		SessionID: s.lastSession,
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeUnavailable, "timed out; the session can be resumed with watch", err)
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
