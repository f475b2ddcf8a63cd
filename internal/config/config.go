// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config
//
// Everything one run needs. Filled once by Load from flags, UPSERT_*
// environment variables (optionally seeded from a .env file) and
// defaults, and never modified afterwards.
type Config struct {

	// ---------------------------
	// Target store
	// ---------------------------

	BaseURL string        // normalized base address, no trailing "/"
	Timeout time.Duration // per-request timeout, 0 = transport default

	// ---------------------------
	// Record extraction
	// ---------------------------

	Mode      string // "embedded" or "envelope"
	IDField   string // id key ("id" / "_id") or JSONPath ("$.meta.id")
	BodyField string // envelope body key or JSONPath, default "_source"

	// ---------------------------
	// Dispatch
	// ---------------------------

	Input       string        // input path, "" or "-" = stdin
	Workers     int           // 1 = strictly sequential
	OnError     string        // "abort" or "skip"
	Retries     int           // extra attempts per request, 0 = exactly one
	RetryWait   time.Duration // first backoff step, doubled up to 2s
	RPS         float64       // request rate limit, 0 = unlimited
	LineNumbers bool          // prefix output with the input line number
	DryRun      bool          // print "<VERB> <target>" instead of sending

	// ---------------------------
	// Dead letters
	// ---------------------------

	DeadLetterDir      string // local directory for rejected records, "" = off
	DeadLetterMaxBytes int64  // cap on uncompressed bytes per file, 0 = none
	DeadLetterBucket   string // S3 bucket the closed file is shipped to
	DeadLetterPrefix   string // S3 key prefix
	AWSRegion          string // region for the S3 client, "" = SDK default
	S3Timeout          time.Duration
	S3Retries          int

	// ---------------------------
	// Observability
	// ---------------------------

	MetricsAddr      string        // listen address for /metrics, "" = off
	ProgressInterval time.Duration // progress log period, 0 = off
	LogLevel         string
	LogPretty        bool
	ServiceName      string
	RunID            string // unique per process, tags logs and file names
}

const (
	ModeEmbedded = "embedded"
	ModeEnvelope = "envelope"

	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"

	// EnvPrefix namespaces environment overrides: --workers ↔ UPSERT_WORKERS.
	EnvPrefix = "UPSERT"

	ServiceName = "json-upsert"
)

// ErrUsage marks configuration problems that should end with the usage
// message and exit code 1.
var ErrUsage = errors.New("usage error")

// BindFlags registers every setting on fs with its default value.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("mode", ModeEmbedded, "record convention: embedded (id inside the document) or envelope (_id/_source)")
	fs.String("id-field", "", `identifier field or JSONPath (default "id" in embedded mode, "_id" in envelope mode)`)
	fs.String("body-field", "_source", "envelope body field or JSONPath")
	fs.StringP("input", "i", "", "read records from this file instead of stdin (gzip is detected)")
	fs.IntP("workers", "w", 1, "concurrent upsert workers (1 keeps input order)")
	fs.String("on-error", OnErrorAbort, "what to do with a bad record: abort or skip")
	fs.Int("retries", 0, "extra attempts after a transport error or a 429/5xx answer")
	fs.Duration("retry-backoff", 200*time.Millisecond, "first retry delay, doubled per attempt up to 2s")
	fs.Duration("timeout", 0, "per-request timeout (0 = transport default)")
	fs.Float64("rps", 0, "maximum requests per second (0 = unlimited)")
	fs.Bool("line-numbers", false, "prefix every output line with its input line number")
	fs.Bool("dry-run", false, "print the request line for each record instead of sending it")
	fs.String("dead-letter-dir", "", "directory for rejected records (with --on-error=skip)")
	fs.Int64("dead-letter-max-bytes", 64<<20, "size cap of one dead-letter file (0 = unlimited)")
	fs.String("dead-letter-s3-bucket", "", "ship the dead-letter file to this S3 bucket at the end of the run")
	fs.String("dead-letter-s3-prefix", "dead-letter", "S3 key prefix for shipped dead-letter files")
	fs.String("aws-region", "", "AWS region for dead-letter shipping")
	fs.Duration("s3-timeout", 30*time.Second, "timeout of one S3 upload attempt")
	fs.Int("s3-retries", 3, "S3 upload attempts")
	fs.String("metrics-addr", "", "serve /metrics and /health on this address while running")
	fs.Duration("progress-interval", 0, "log progress at this interval (0 = off)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("log-pretty", false, "human readable logs instead of JSON")
}

// NewViper returns a viper instance reading UPSERT_* environment variables.
// Flags are bound by the caller once they are parsed.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds the run configuration from v and the positional address.
func Load(v *viper.Viper, rawURL string) (Config, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BaseURL: base,
		Timeout: v.GetDuration("timeout"),

		Mode:      strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		IDField:   strings.TrimSpace(v.GetString("id-field")),
		BodyField: strings.TrimSpace(v.GetString("body-field")),

		Input:       v.GetString("input"),
		Workers:     v.GetInt("workers"),
		OnError:     strings.ToLower(strings.TrimSpace(v.GetString("on-error"))),
		Retries:     v.GetInt("retries"),
		RetryWait:   v.GetDuration("retry-backoff"),
		RPS:         v.GetFloat64("rps"),
		LineNumbers: v.GetBool("line-numbers"),
		DryRun:      v.GetBool("dry-run"),

		DeadLetterDir:      v.GetString("dead-letter-dir"),
		DeadLetterMaxBytes: v.GetInt64("dead-letter-max-bytes"),
		DeadLetterBucket:   v.GetString("dead-letter-s3-bucket"),
		DeadLetterPrefix:   strings.Trim(v.GetString("dead-letter-s3-prefix"), "/"),
		AWSRegion:          v.GetString("aws-region"),
		S3Timeout:          v.GetDuration("s3-timeout"),
		S3Retries:          v.GetInt("s3-retries"),

		MetricsAddr:      v.GetString("metrics-addr"),
		ProgressInterval: v.GetDuration("progress-interval"),
		LogLevel:         v.GetString("log-level"),
		LogPretty:        v.GetBool("log-pretty"),
		ServiceName:      ServiceName,
		RunID:            uuid.NewString(),
	}

	if cfg.IDField == "" {
		cfg.IDField = defaultIDField(cfg.Mode)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultIDField(mode string) string {
	if mode == ModeEnvelope {
		return "_id"
	}
	return "id"
}

// Validate rejects settings the dispatcher cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeEmbedded && c.Mode != ModeEnvelope:
		return fmt.Errorf("%w: unknown mode %q", ErrUsage, c.Mode)
	case c.OnError != OnErrorAbort && c.OnError != OnErrorSkip:
		return fmt.Errorf("%w: unknown --on-error policy %q", ErrUsage, c.OnError)
	case c.Workers < 1:
		return fmt.Errorf("%w: --workers must be >= 1", ErrUsage)
	case c.Retries < 0:
		return fmt.Errorf("%w: --retries must be >= 0", ErrUsage)
	case c.RPS < 0:
		return fmt.Errorf("%w: --rps must be >= 0", ErrUsage)
	case c.Timeout < 0:
		return fmt.Errorf("%w: --timeout must be >= 0", ErrUsage)
	case c.Mode == ModeEmbedded && strings.HasPrefix(c.IDField, "$"):
		return fmt.Errorf("%w: embedded mode needs a top-level --id-field, got %q", ErrUsage, c.IDField)
	case c.Mode == ModeEnvelope && c.BodyField == "":
		return fmt.Errorf("%w: envelope mode needs --body-field", ErrUsage)
	case c.DeadLetterBucket != "" && c.DeadLetterDir == "":
		return fmt.Errorf("%w: --dead-letter-s3-bucket needs --dead-letter-dir", ErrUsage)
	}

	return nil
}

// NormalizeBaseURL turns the startup address into the base every target
// is built from. "localhost:9200/idx/_doc/" becomes
// "http://localhost:9200/idx/_doc".
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrUsage)
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL %q: %v", ErrUsage, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrUsage, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: URL %q has no host", ErrUsage, raw)
	}

	return strings.TrimRight(raw, "/"), nil
}
