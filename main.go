package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/term"
)

// Version is set at build time via ldflags
var version = "dev"

var (
	ErrDaemonRunning     = errors.New("daemon is already running")
	ErrDaemonUnsupported = errors.New("daemon mode is not supported on Windows")
	ErrNoInput           = errors.New("no input: pass a file or pipe a transcript on stdin")
)

func main() {
	// Error ignored: maxprocs.Set only fails on an invalid GOMAXPROCS env,
	// in which case the runtime default applies.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	cfgPath  string
	logLevel string

	v      *viper.Viper
	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "minirag",
		Short:         "MiniRAG-Local: clean agent TUI transcripts and relay them to chat",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.v = viper.New()
			cfg, err := LoadConfig(a.v, a.cfgPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			logger, err := NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	cmd.SetVersionTemplate("minirag v{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to config file (.env, yaml or toml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newServeCmd(a),
		newDingTalkCmd(a),
		newTelegramCmd(a),
		newChatCmd(a),
		newCleanCmd(),
		newHashKeyCmd(),
		newStartCmd(a),
		newStopCmd(),
		newStatusCmd(),
	)
	return cmd
}

// agent builds the configured backend and a cleanup func for it.
func (a *app) agent() (Agent, func(), error) {
	agent, err := newAgent(a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	if c, ok := agent.(io.Closer); ok {
		cleanup = func() { c.Close() }
	}
	return agent, cleanup, nil
}

func newServeCmd(a *app) *cobra.Command {
	var port int
	var daemonChild bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OpenAI-compatible proxy and the web chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonChild {
				defer releasePIDFile()
			}
			if port == 0 {
				port = a.cfg.Port
			}

			agent, cleanup, err := a.agent()
			if err != nil {
				return err
			}
			defer cleanup()

			srv := NewServer(agent, a.cfg.APIKeyHash, a.logger)
			a.logger.Info("minirag serve", "version", version, "backend", a.cfg.AgentBackend,
				"auth", a.cfg.APIKeyHash != "")
			return srv.ListenAndServe(cmd.Context(), fmt.Sprintf(":%d", port))
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default PORT)")
	cmd.Flags().BoolVar(&daemonChild, "daemon-child", false, "internal: run as the daemon started by 'minirag start'")
	cmd.Flags().MarkHidden("daemon-child")
	return cmd
}

func newDingTalkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dingtalk",
		Short: "Answer DingTalk group questions from per-group RAG endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := NewDingTalkBot(a.cfg, a.logger)
			if err != nil {
				return err
			}
			return bot.ListenAndServe(cmd.Context(), a.cfg.DingTalkAddr)
		},
	}
}

func newTelegramCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Answer whitelisted Telegram users with the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTelegram(cmd, false)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pair",
		Short: "Print a one-time code that adds its sender to the whitelist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTelegram(cmd, true)
		},
	})
	return cmd
}

func (a *app) runTelegram(cmd *cobra.Command, pair bool) error {
	if a.cfg.TelegramBotToken == "" {
		return fmt.Errorf("%w: TELEGRAM_BOT_TOKEN must be set", ErrMissingCredentials)
	}
	if !pair && len(a.cfg.TelegramAllowedUsers) == 0 {
		return fmt.Errorf("%w: TELEGRAM_ALLOWED_USERS is empty; run 'minirag telegram pair' first", ErrInvalidConfig)
	}

	api, err := tgbotapi.NewBotAPI(a.cfg.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("connect to Telegram: %w", err)
	}

	agent, cleanup, err := a.agent()
	if err != nil {
		return err
	}
	defer cleanup()

	bot := NewTelegramBot(api, agent, a.cfg, a.logger)
	bot.onPair = func(ids []int64) error {
		return persistSetting(a.v, a.cfg, "TELEGRAM_ALLOWED_USERS", formatUserIDs(ids))
	}

	if pair {
		code, err := generatePairingCode()
		if err != nil {
			return fmt.Errorf("generate pairing code: %w", err)
		}
		bot.StartPairing(code)

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Fprintf(out, "Pairing code: %s\n", code)
		fmt.Fprintf(out, "Send it to @%s within %s.\n", api.Self.UserName, pairCodeTTL)
		fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()

	a.logger.Info("telegram connected", "bot", api.Self.UserName, "version", version)
	return bot.Listen(ctx, updates)
}

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Ask the agent from the console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, cleanup, err := a.agent()
			if err != nil {
				return err
			}
			defer cleanup()

			var renderer *glamour.TermRenderer
			if f, ok := cmd.OutOrStdout().(*os.File); ok {
				renderer = newMarkdownRenderer(f)
			}
			return NewChatSession(agent, cmd.OutOrStdout(), renderer, a.logger).Run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

func newCleanCmd() *cobra.Command {
	var rawSpacing, showDiff, render bool

	cmd := &cobra.Command{
		Use:   "clean [file]",
		Short: "Convert a captured TUI transcript to Markdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readCleanInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			output := cleanTranscript(input, rawSpacing)
			w := cmd.OutOrStdout()

			switch {
			case showDiff:
				fmt.Fprint(w, lineDiff(ansi.Strip(input), output, isTerminal(w)))
			case render:
				r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
				if err != nil {
					return err
				}
				rendered, err := r.Render(output)
				if err != nil {
					return fmt.Errorf("render markdown: %w", err)
				}
				fmt.Fprint(w, rendered)
			default:
				fmt.Fprintln(w, output)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rawSpacing, "raw-spacing", false, "skip paragraph spacing normalization")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "show a line diff of input and output")
	cmd.Flags().BoolVar(&render, "render", false, "render the Markdown for the terminal")
	cmd.MarkFlagsMutuallyExclusive("diff", "render")
	return cmd
}

// readCleanInput reads the named file, or stdin unless stdin is a terminal.
func readCleanInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if isTerminal(stdin) {
		return "", ErrNoInput
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// cleanTranscript strips escape sequences left in a raw capture, then runs
// the cleaner and, unless rawSpacing, the paragraph spacer.
func cleanTranscript(raw string, rawSpacing bool) string {
	out := CleanTUIOutput(ansi.Strip(raw))
	if !rawSpacing {
		out = NormalizeRAGMarkdown(out)
	}
	return out
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

// lineDiff returns a unified-style line diff of before and after: removed
// lines start with "-", added lines with "+", unchanged lines with " ".
func lineDiff(before, after string, color bool) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(withNewline(before), withNewline(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix, start, end := " ", "", ""
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix, start = "-", colorRed
		case diffmatchpatch.DiffInsert:
			prefix, start = "+", colorGreen
		}
		if !color || start == "" {
			start = ""
		} else {
			end = colorReset
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(start + prefix + strings.TrimSuffix(line, "\n") + end + "\n")
		}
	}
	return sb.String()
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash to use as API_KEY_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readAPIKey(cmd, args)
			if err != nil {
				return err
			}
			hash, err := hashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readAPIKey takes the key from args, a hidden terminal prompt, or the
// first line of piped stdin.
func readAPIKey(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
		key, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		return string(key), err
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start 'serve' in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonStart(cmd.OutOrStdout(), a.daemonArgs())
		},
	}
}

// daemonArgs rebuilds the serve command line for the detached child.
func (a *app) daemonArgs() []string {
	args := []string{"serve", "--daemon-child"}
	if a.cfg != nil && a.cfg.File != "" {
		path := a.cfg.File
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		args = append(args, "--config", path)
	}
	if a.logLevel != "" {
		args = append(args, "--log-level", a.logLevel)
	}
	return args
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonStop(cmd.OutOrStdout())
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the background server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemonStatus(cmd.OutOrStdout())
		},
	}
}
