package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	logx "xrelay/pkg/logx"
)

const (
	DefaultStatePath  = "./config.json"
	DefaultHealthAddr = ":5000"
	DefaultAdminID    = int64(123456789)

	maxBearerTokens = 5

	placeholderBearer   = "your_x_api_bearer_token"
	placeholderTelegram = "your_telegram_bot_token"
)

// Settings is the resolved process configuration.
type Settings struct {
	StatePath string

	Poll     PollSettings
	X        XSettings
	Telegram TelegramSettings
	Health   HealthSettings
	Logging  logx.Config
	Storage  StorageSettings
	Report   ReportSettings

	// AdminID is always authorized. AdminFromDefault reports that ADMIN_ID
	// was not provided and the well-known default is in use.
	AdminID          int64
	AdminFromDefault bool

	// Path is the settings file that was loaded ("" when none).
	Path string
}

type PollSettings struct {
	Base time.Duration
	Max  time.Duration
}

type XSettings struct {
	Tokens     []string
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Cooldown   time.Duration
	MaxResults int
}

type TelegramSettings struct {
	Token          string // "" means commands are disabled
	PollTimeout    time.Duration
	SendRatePerSec float64
	SendBurst      int
	CommandWorkers int
	CommandTimeout time.Duration
}

type HealthSettings struct {
	Addr string
}

type StorageSettings struct {
	Driver      string // "" disables storage
	Path        string
	BusyTimeout time.Duration
	Keep        int
}

type ReportSettings struct {
	Schedule string // "" disables the report
	Timezone string
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the optional settings file at path and applies the process
// environment on top. A missing file yields defaults.
func Load(path string) (*Settings, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, env LookupFunc) (*Settings, error) {
	if env == nil {
		env = func(string) (string, bool) { return "", false }
	}
	var f File
	path = strings.TrimSpace(path)
	if path != "" {
		parsed, err := ParseFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			path = ""
		case err != nil:
			return nil, err
		default:
			f = *parsed
		}
	}
	s, err := resolve(f, env)
	if err != nil {
		return nil, err
	}
	s.Path = path
	return s, nil
}

// ParseFile decodes a settings file. YAML is accepted for ".yaml"/".yml";
// unknown fields and trailing data are rejected.
func ParseFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse %s (%s): %w", path, format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse %s: trailing data", path)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func resolve(f File, env LookupFunc) (*Settings, error) {
	var errs []error
	dur := func(field, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(field, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	s := &Settings{
		StatePath: strings.TrimSpace(f.State.Path),
		Poll: PollSettings{
			Base: dur("poll.base_interval", f.Poll.BaseInterval, 60*time.Second),
			Max:  dur("poll.max_interval", f.Poll.MaxInterval, 900*time.Second),
		},
		X: XSettings{
			BaseURL:    strings.TrimSpace(f.X.BaseURL),
			Timeout:    dur("x.timeout", f.X.Timeout, 30*time.Second),
			RatePerSec: f.X.RatePerSec,
			Cooldown:   dur("x.cooldown", f.X.Cooldown, 900*time.Second),
			MaxResults: f.X.MaxResults,
		},
		Telegram: TelegramSettings{
			PollTimeout:    dur("telegram.poll_timeout", f.Telegram.PollTimeout, 10*time.Second),
			SendRatePerSec: f.Telegram.SendRatePerSec,
			SendBurst:      f.Telegram.SendBurst,
			CommandWorkers: f.Telegram.CommandWorkers,
			CommandTimeout: dur("telegram.command_timeout", f.Telegram.CommandTimeout, 60*time.Second),
		},
		Health: HealthSettings{Addr: strings.TrimSpace(f.Health.Addr)},
		Logging: logx.Config{
			Level:   strings.TrimSpace(f.Logging.Level),
			Console: f.Logging.Console == nil || *f.Logging.Console,
			File:    logx.FileConfig{Enabled: f.Logging.File.Enabled, Path: f.Logging.File.Path},
		},
	}
	if s.StatePath == "" {
		s.StatePath = DefaultStatePath
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Health.Addr == "" {
		s.Health.Addr = DefaultHealthAddr
	}

	if sc := f.Storage; sc != nil {
		driver := strings.ToLower(strings.TrimSpace(sc.Driver))
		switch driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", driver))
			}
			s.Storage = StorageSettings{
				Driver:      driver,
				Path:        strings.TrimSpace(sc.Path),
				BusyTimeout: dur("storage.busy_timeout", sc.BusyTimeout, time.Second),
				Keep:        sc.Keep,
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", sc.Driver))
		}
	}
	if rc := f.Report; rc != nil {
		s.Report = ReportSettings{Schedule: strings.TrimSpace(rc.Schedule), Timezone: strings.TrimSpace(rc.Timezone)}
	}

	applyEnv(s, env, &errs)

	if s.Poll.Base <= 0 {
		errs = append(errs, errors.New("poll.base_interval must be > 0"))
	}
	if s.Poll.Max < s.Poll.Base {
		errs = append(errs, fmt.Errorf("poll.max_interval (%s) must be >= poll.base_interval (%s)", s.Poll.Max, s.Poll.Base))
	}
	if s.X.RatePerSec < 0 || s.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("rate_per_sec values must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func applyEnv(s *Settings, env LookupFunc, errs *[]error) {
	get := func(k string) string {
		v, _ := env(k)
		return strings.TrimSpace(v)
	}

	s.X.Tokens = BearerTokens(env)
	if t := get("TELEGRAM_TOKEN"); t != "" && t != placeholderTelegram {
		s.Telegram.Token = t
	}

	s.AdminID, s.AdminFromDefault = DefaultAdminID, true
	if raw := get("ADMIN_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("ADMIN_ID: invalid integer %q", raw))
		} else {
			s.AdminID, s.AdminFromDefault = id, id == DefaultAdminID
		}
	}

	if port := get("PORT"); port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			*errs = append(*errs, fmt.Errorf("PORT: invalid port %q", port))
		} else {
			s.Health.Addr = ":" + port
		}
	}
}

// BearerTokens collects X_BEARER_TOKEN_1..5 in order, falling back to
// X_BEARER_TOKEN when none are set. Placeholders and blanks are skipped.
func BearerTokens(env LookupFunc) []string {
	usable := func(v string) bool { return v != "" && v != placeholderBearer }
	var out []string
	for i := 1; i <= maxBearerTokens; i++ {
		v, _ := env("X_BEARER_TOKEN_" + strconv.Itoa(i))
		if v = strings.TrimSpace(v); usable(v) {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		if v, _ := env("X_BEARER_TOKEN"); usable(strings.TrimSpace(v)) {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}
