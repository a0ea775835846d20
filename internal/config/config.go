package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file. Environment variables
// override values from the file.
const ConfigFileEnv = "PAIRCHAT_CONFIG"

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	MaxUploadBytes  int64
	UserCacheTTL    time.Duration
	PageSize        int
	SendSettleDelay time.Duration
	SendRate        float64
	SendBurst       int
	WSPongWait      time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// fileConfig mirrors the environment variables. Every value is read as a
// string and parsed the same way as its environment counterpart.
type fileConfig struct {
	DBFile          string `yaml:"db_file"`
	AdminAddr       string `yaml:"admin_addr"`
	APIAddr         string `yaml:"api_addr"`
	BaseURL         string `yaml:"base_url"`
	UploadsPath     string `yaml:"uploads_path"`
	AuthSecret      string `yaml:"auth_secret"`
	TokenExpiry     string `yaml:"token_expiry"`
	MaxUploadBytes  string `yaml:"max_upload_bytes"`
	UserCacheTTL    string `yaml:"user_cache_ttl"`
	PageSize        string `yaml:"page_size"`
	SendSettleDelay string `yaml:"send_settle_delay"`
	SendRate        string `yaml:"send_rate"`
	SendBurst       string `yaml:"send_burst"`
	WSPongWait      string `yaml:"ws_pong_wait"`
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubscriber string `yaml:"vapid_subscriber"`
}

func (f fileConfig) byEnv() map[string]string {
	return map[string]string{
		"PAIRCHAT_DB":       f.DBFile,
		"ADMIN_ADDR":        f.AdminAddr,
		"API_ADDR":          f.APIAddr,
		"BASE_URL":          f.BaseURL,
		"UPLOADS_PATH":      f.UploadsPath,
		"AUTH_SECRET":       f.AuthSecret,
		"TOKEN_EXPIRY":      f.TokenExpiry,
		"MAX_UPLOAD_BYTES":  f.MaxUploadBytes,
		"USER_CACHE_TTL":    f.UserCacheTTL,
		"PAGE_SIZE":         f.PageSize,
		"SEND_SETTLE_DELAY": f.SendSettleDelay,
		"SEND_RATE":         f.SendRate,
		"SEND_BURST":        f.SendBurst,
		"WS_PONG_WAIT":      f.WSPongWait,
		"VAPID_PUBLIC_KEY":  f.VAPIDPublicKey,
		"VAPID_PRIVATE_KEY": f.VAPIDPrivateKey,
		"VAPID_SUBSCRIBER":  f.VAPIDSubscriber,
	}
}

type loader struct {
	file map[string]string
	err  error
}

func Load(cliMode bool) (*Config, error) {
	l := &loader{}
	if path := os.Getenv(ConfigFileEnv); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}

	cfg := &Config{
		DBFile:      l.str("PAIRCHAT_DB", "pairchat.db"),
		AdminAddr:   l.str("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     l.str("API_ADDR", ":8080"),
		BaseURL:     l.str("BASE_URL", "http://localhost:8080"),
		UploadsPath: l.str("UPLOADS_PATH", "uploads"),
		AuthSecret:  l.str("AUTH_SECRET", ""),
		TokenExpiry: l.duration("TOKEN_EXPIRY", "24h"),

		MaxUploadBytes:  l.int64("MAX_UPLOAD_BYTES", "26214400"),
		UserCacheTTL:    l.duration("USER_CACHE_TTL", "5m"),
		PageSize:        int(l.int64("PAGE_SIZE", "20")),
		SendSettleDelay: l.duration("SEND_SETTLE_DELAY", "1500ms"),
		SendRate:        l.float("SEND_RATE", "5"),
		SendBurst:       int(l.int64("SEND_BURST", "10")),
		WSPongWait:      l.duration("WS_PONG_WAIT", "60s"),

		VAPIDPublicKey:  l.str("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: l.str("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber: l.str("VAPID_SUBSCRIBER", ""),
	}
	if l.err != nil {
		return nil, l.err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc.byEnv(), nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than 0")
	}
	if c.UserCacheTTL <= 0 {
		return fmt.Errorf("USER_CACHE_TTL must be greater than 0")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be greater than 0")
	}
	if c.SendSettleDelay < 0 {
		return fmt.Errorf("SEND_SETTLE_DELAY must not be negative")
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return fmt.Errorf("SEND_RATE and SEND_BURST must not be negative")
	}
	if c.WSPongWait <= 0 {
		return fmt.Errorf("WS_PONG_WAIT must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (l *loader) str(key, fallback string) string {
	if v, ok := l.file[key]; ok && v != "" {
		fallback = v
	}
	return getEnv(key, fallback)
}

func (l *loader) duration(key, fallback string) time.Duration {
	raw := l.str(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d
}

func (l *loader) int64(key, fallback string) int64 {
	raw := l.str(key, fallback)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n
}

func (l *loader) float(key, fallback string) float64 {
	raw := l.str(key, fallback)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
