package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidRAGGroups   = errors.New("DINGTALK_RAG_GROUPS is not valid JSON")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Config is the resolved runtime configuration. Keys are the environment
// variable names so a single .env file drives every command.
type Config struct {
	AgentAPIURL     string
	AgentBackend    string // "agentapi" or "pty"
	AgentCommand    string
	AgentCols       int
	AgentRows       int
	Port            int
	PollInterval    time.Duration
	ResponseTimeout time.Duration
	APIKeyHash      string

	DingTalkAppKey    string
	DingTalkAppSecret string
	DingTalkAddr      string
	RAGGroups         map[string]RAGGroup
	DedupTTL          time.Duration

	TelegramBotToken     string
	TelegramAllowedUsers []int64

	LogLevel  string
	LogFormat string

	// File is the config file that was read, empty when none was found.
	File string
}

// RAGGroup routes one DingTalk group to an OpenAI-compatible endpoint.
type RAGGroup struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model,omitempty"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// Timeout returns the per-query timeout, 30s when unset.
func (g RAGGroup) Timeout() time.Duration {
	if g.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.TimeoutMS) * time.Millisecond
}

// ConfigOption is one configuration key with its default and meaning.
type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns every supported key. Defaults are seeded from here.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "AGENT_API_URL", Default: "http://localhost:3284", Comment: "Base URL of the AgentAPI server"},
		{Key: "AGENT_BACKEND", Default: "agentapi", Comment: "Agent backend: agentapi or pty"},
		{Key: "AGENT_COMMAND", Default: "claude", Comment: "Agent CLI spawned by the pty backend"},
		{Key: "AGENT_COLS", Default: 80, Comment: "Terminal width for the pty backend"},
		{Key: "AGENT_ROWS", Default: 50, Comment: "Terminal height for the pty backend"},
		{Key: "PORT", Default: 8000, Comment: "Listen port of the OpenAI-compatible proxy"},
		{Key: "POLL_INTERVAL", Default: "1s", Comment: "AgentAPI polling interval"},
		{Key: "RESPONSE_TIMEOUT", Default: "30s", Comment: "Maximum wait for an agent answer"},
		{Key: "API_KEY_HASH", Default: "", Comment: "bcrypt hash of the proxy API key; empty disables auth"},
		{Key: "DINGTALK_APP_KEY", Default: "", Comment: "DingTalk robot AppKey (robotCode)"},
		{Key: "DINGTALK_APP_SECRET", Default: "", Comment: "DingTalk robot AppSecret, used to verify callbacks"},
		{Key: "DINGTALK_ADDR", Default: ":8001", Comment: "Listen address of the DingTalk callback server"},
		{Key: "DINGTALK_RAG_GROUPS", Default: "{}", Comment: `JSON map conversationId -> {"endpoint","model","timeoutMs"}`},
		{Key: "DEDUP_TTL", Default: "5m", Comment: "How long a DingTalk msgId is remembered"},
		{Key: "TELEGRAM_BOT_TOKEN", Default: "", Comment: "Telegram bot token"},
		{Key: "TELEGRAM_ALLOWED_USERS", Default: "", Comment: "Comma separated Telegram user ids"},
		{Key: "LOG_LEVEL", Default: "info", Comment: "debug, info, warn or error"},
		{Key: "LOG_FORMAT", Default: "text", Comment: "text or json"},
	}
}

func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Default)
	}
}

// defaultConfigDir is ~/.minirag, also home of the daemon pid and log files.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".minirag"
	}
	return filepath.Join(home, ".minirag")
}

// findConfigFile returns ./.env, then ~/.minirag/config.env, whichever
// exists first.
func findConfigFile() string {
	for _, p := range []string{".env", filepath.Join(defaultConfigDir(), "config.env")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// isEnvFile reports whether path holds dotenv KEY=value lines.
func isEnvFile(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || filepath.Ext(base) == ".env" || strings.HasPrefix(base, ".env.")
}

// LoadConfig resolves configuration with precedence defaults < file < env.
// An explicit path must exist; otherwise the default locations are tried.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	applyDefaults(v)

	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if isEnvFile(path) {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.AutomaticEnv()

	cfg := &Config{
		AgentAPIURL:       strings.TrimRight(v.GetString("AGENT_API_URL"), "/"),
		AgentBackend:      strings.ToLower(v.GetString("AGENT_BACKEND")),
		AgentCommand:      v.GetString("AGENT_COMMAND"),
		AgentCols:         v.GetInt("AGENT_COLS"),
		AgentRows:         v.GetInt("AGENT_ROWS"),
		Port:              v.GetInt("PORT"),
		PollInterval:      v.GetDuration("POLL_INTERVAL"),
		ResponseTimeout:   v.GetDuration("RESPONSE_TIMEOUT"),
		APIKeyHash:        v.GetString("API_KEY_HASH"),
		DingTalkAppKey:    v.GetString("DINGTALK_APP_KEY"),
		DingTalkAppSecret: v.GetString("DINGTALK_APP_SECRET"),
		DingTalkAddr:      v.GetString("DINGTALK_ADDR"),
		DedupTTL:          v.GetDuration("DEDUP_TTL"),
		TelegramBotToken:  v.GetString("TELEGRAM_BOT_TOKEN"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		File:              v.ConfigFileUsed(),
	}

	groups, err := parseRAGGroups(v.GetString("DINGTALK_RAG_GROUPS"))
	if err != nil {
		return nil, err
	}
	cfg.RAGGroups = groups

	users, err := parseUserIDs(v.GetString("TELEGRAM_ALLOWED_USERS"))
	if err != nil {
		return nil, err
	}
	cfg.TelegramAllowedUsers = users

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AgentBackend {
	case "agentapi", "pty":
	default:
		return fmt.Errorf("%w: AGENT_BACKEND must be agentapi or pty, got %q", ErrInvalidConfig, c.AgentBackend)
	}
	if c.AgentCols < 20 || c.AgentRows < 5 {
		return fmt.Errorf("%w: terminal size %dx%d too small", ErrInvalidConfig, c.AgentCols, c.AgentRows)
	}
	if c.PollInterval <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL and RESPONSE_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// parseRAGGroups decodes the DINGTALK_RAG_GROUPS JSON object.
func parseRAGGroups(raw string) (map[string]RAGGroup, error) {
	groups := map[string]RAGGroup{}
	if strings.TrimSpace(raw) == "" {
		return groups, nil
	}
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRAGGroups, err)
	}
	for id, g := range groups {
		if g.Endpoint == "" {
			return nil, fmt.Errorf("%w: group %s has no endpoint", ErrInvalidRAGGroups, id)
		}
	}
	return groups, nil
}

// parseUserIDs parses a comma separated list of Telegram user ids.
func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: TELEGRAM_ALLOWED_USERS entry %q", ErrInvalidConfig, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatUserIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// parseEnvLine splits a dotenv line on its first "=", so JSON values keep
// their own "=" signs. ok is false for comments, blanks and lines without a
// key.
func parseEnvLine(line string) (key, value string, ok bool) {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return "", "", false
	}
	k, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(k)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(val), true
}

// upsertEnvFile sets key=value in a dotenv file, replacing the existing
// assignment in place or appending one. Other lines, comments included, are
// kept verbatim.
func upsertEnvFile(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	replaced := false
	for i, line := range lines {
		if k, _, ok := parseEnvLine(line); ok && k == key {
			lines[i] = key + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)
}

// persistSetting writes one key back to the config file that was loaded, or
// to ~/.minirag/config.env when none was.
func persistSetting(v *viper.Viper, cfg *Config, key, value string) error {
	path := cfg.File
	if path == "" {
		path = filepath.Join(defaultConfigDir(), "config.env")
	}
	if isEnvFile(path) {
		return upsertEnvFile(path, key, value)
	}
	v.Set(key, value)
	return v.WriteConfigAs(path)
}
