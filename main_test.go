package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// runCLI executes the root command against an isolated config file.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeEnvFile(t, "LOG_LEVEL=error\n")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const boxTranscript = "  ## 结果\n" +
	"  下面是对比：\n" +
	"  ┌──────┬──────┐\n" +
	"  │ 名称 │ 值   │\n" +
	"  ├──────┼──────┤\n" +
	"  │ a    │ 1    │\n" +
	"  └──────┴──────┘\n" +
	"  ? for shortcuts\n"

func TestCleanCommandStdin(t *testing.T) {
	out, err := runCLI(t, boxTranscript, "clean")
	require.NoError(t, err)
	assert.Equal(t, "## 结果\n\n下面是对比：\n\n- **a**: 1\n", out)
}

func TestCleanCommandFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.txt")
	require.NoError(t, os.WriteFile(path, []byte("\x1b[1m  ## 结果\x1b[0m\n  正文\n"), 0o600))

	out, err := runCLI(t, "", "clean", path)
	require.NoError(t, err)
	assert.Equal(t, "## 结果\n\n正文\n", out, "escape sequences are stripped before cleaning")
}

func TestCleanCommandRawSpacing(t *testing.T) {
	out, err := runCLI(t, "  ## 结果\n  正文\n", "clean", "--raw-spacing")
	require.NoError(t, err)
	assert.Equal(t, "## 结果\n正文\n", out)
}

func TestCleanCommandDiff(t *testing.T) {
	out, err := runCLI(t, "  ## 结果\n  正文\n", "clean", "--diff")
	require.NoError(t, err)
	assert.Contains(t, out, "-  ## 结果\n")
	assert.Contains(t, out, "+## 结果\n")
	assert.NotContains(t, out, "\x1b[", "no color when output is not a terminal")
}

func TestCleanCommandMissingFile(t *testing.T) {
	_, err := runCLI(t, "", "clean", filepath.Join(t.TempDir(), "nope.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCleanCommandFlagsExclusive(t *testing.T) {
	_, err := runCLI(t, "x", "clean", "--diff", "--render")
	assert.Error(t, err)
}

func TestReadCleanInputPiped(t *testing.T) {
	// A non-file reader is always treated as piped input.
	got, err := readCleanInput(strings.NewReader("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestLineDiff(t *testing.T) {
	got := lineDiff("keep\nold\n", "keep\nnew", false)
	assert.Equal(t, " keep\n-old\n+new\n", got)

	colored := lineDiff("a\n", "b\n", true)
	assert.Equal(t, colorRed+"-a"+colorReset+"\n"+colorGreen+"+b"+colorReset+"\n", colored)

	assert.Empty(t, lineDiff("", "", false))
}

func TestHashKeyCommand(t *testing.T) {
	out, err := runCLI(t, "", "hash-key", "sk-local")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("sk-local")))

	out, err = runCLI(t, "sk-piped\n", "hash-key")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("sk-piped")))

	_, err = runCLI(t, "", "hash-key")
	assert.ErrorIs(t, err, ErrInvalidConfig, "an empty key is refused")
}

func TestVersionFlag(t *testing.T) {
	out, err := runCLI(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, "minirag v"+version+"\n", out)
}

func TestCommandsRequireCredentials(t *testing.T) {
	_, err := runCLI(t, "", "dingtalk")
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = runCLI(t, "", "telegram")
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestInvalidConfigStopsEveryCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeEnvFile(t, "AGENT_BACKEND=ssh\n"), "clean"})
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), ErrInvalidConfig)
}

func TestDaemonArgs(t *testing.T) {
	a := &app{cfg: &Config{File: "/etc/minirag/config.env"}, logLevel: "debug"}
	assert.Equal(t, []string{"serve", "--daemon-child", "--config", "/etc/minirag/config.env", "--log-level", "debug"}, a.daemonArgs())

	a = &app{cfg: &Config{}}
	assert.Equal(t, []string{"serve", "--daemon-child"}, a.daemonArgs())
}
