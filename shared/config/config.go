package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	PublishModeDirect = "direct"
	PublishModeOutbox = "outbox"

	UnknownEventDeadLetter = "dead_letter"
	UnknownEventDrop       = "drop"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	RateLimitRPS     float64
	RateLimitBurst   int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	ServiceStream    string
	TenantStream     string
	StreamRoutesPath string
	DLQTopicSuffix   string
	PublishMode      string
	PublishTimeoutMS int
	PublishTimeout   time.Duration

	ConsumerMaxAttempts      int
	ConsumerBackoffInitialMS int
	ConsumerBackoffMaxMS     int
	UnknownEventPolicy       string
	DedupCacheTTLSec         int
	LedgerRetentionDays      int

	StockLowThreshold float64

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelProtocol    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load builds the service config from defaults, an optional JSON/YAML file and the
// environment, in that order. Problems are returned instead of failing so /readyz
// can report them.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                      envRaw,
		ServiceName:              serviceNameDefault,
		HTTPPort:                 httpPortDefault,
		LogLevel:                 "info",
		ConfigPath:               strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:         30000,
		JWKSTTLSeconds:           300,
		JWTClockSkewSec:          60,
		RateLimitRPS:             50,
		RateLimitBurst:           100,
		DBMaxConns:               10,
		DBMinConns:               1,
		DBConnMaxIdleSec:         300,
		DBConnMaxLifeSec:         1800,
		KafkaRetryMax:            5,
		KafkaWriteMS:             5000,
		TenantStream:             "tenant-lifecycle-events",
		DLQTopicSuffix:           ".dlq",
		PublishMode:              PublishModeDirect,
		PublishTimeoutMS:         5000,
		ConsumerMaxAttempts:      5,
		ConsumerBackoffInitialMS: 200,
		ConsumerBackoffMaxMS:     10000,
		UnknownEventPolicy:       UnknownEventDeadLetter,
		DedupCacheTTLSec:         86400,
		LedgerRetentionDays:      30,
		StockLowThreshold:        10,
		AsynqQueue:               "default",
		AsynqConcurrency:         10,
		OutboxScanSec:            5,
		OutboxBatchSize:          50,
		OutboxMaxAttempts:        20,
		InfluxTimeoutMS:          5000,
		OtelProtocol:             "grpc",
		OtelInsecure:             true,
		OtelSampleRatio:          1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".yaml")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.ServiceStream == "" {
		cfg.ServiceStream = cfg.ServiceName + "-events"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	cfg.PublishTimeout = time.Duration(cfg.PublishTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	clampPositive := func(field string, v *int, def int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = def
		}
	}
	clampNonNegative := func(field string, v *int, def int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	clampPositive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	clampPositive("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300)
	clampNonNegative("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60)
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 50
	}
	clampPositive("RATE_LIMIT_BURST", &cfg.RateLimitBurst, 100)
	clampPositive("DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	clampNonNegative("DB_MIN_CONNS", &cfg.DBMinConns, 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	clampPositive("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	clampPositive("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	clampNonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	clampPositive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	clampPositive("PUBLISH_TIMEOUT_MS", &cfg.PublishTimeoutMS, 5000)
	switch cfg.PublishMode {
	case PublishModeDirect, PublishModeOutbox:
	default:
		*problems = append(*problems, Problem{Field: "PUBLISH_MODE", Message: "PUBLISH_MODE must be direct or outbox"})
		cfg.PublishMode = PublishModeDirect
	}
	clampPositive("CONSUMER_MAX_ATTEMPTS", &cfg.ConsumerMaxAttempts, 5)
	clampPositive("CONSUMER_BACKOFF_INITIAL_MS", &cfg.ConsumerBackoffInitialMS, 200)
	clampPositive("CONSUMER_BACKOFF_MAX_MS", &cfg.ConsumerBackoffMaxMS, 10000)
	if cfg.ConsumerBackoffMaxMS < cfg.ConsumerBackoffInitialMS {
		*problems = append(*problems, Problem{Field: "CONSUMER_BACKOFF_MAX_MS", Message: "CONSUMER_BACKOFF_MAX_MS must be >= CONSUMER_BACKOFF_INITIAL_MS"})
		cfg.ConsumerBackoffMaxMS = cfg.ConsumerBackoffInitialMS
	}
	switch cfg.UnknownEventPolicy {
	case UnknownEventDeadLetter, UnknownEventDrop:
	default:
		*problems = append(*problems, Problem{Field: "UNKNOWN_EVENT_POLICY", Message: "UNKNOWN_EVENT_POLICY must be dead_letter or drop"})
		cfg.UnknownEventPolicy = UnknownEventDeadLetter
	}
	clampNonNegative("DEDUP_CACHE_TTL_SECONDS", &cfg.DedupCacheTTLSec, 86400)
	clampPositive("LEDGER_RETENTION_DAYS", &cfg.LedgerRetentionDays, 30)
	if cfg.StockLowThreshold < 0 {
		*problems = append(*problems, Problem{Field: "STOCK_LOW_THRESHOLD", Message: "STOCK_LOW_THRESHOLD must be >= 0"})
		cfg.StockLowThreshold = 10
	}
	clampNonNegative("REDIS_DB", &cfg.RedisDB, 0)
	clampNonNegative("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0)
	clampPositive("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 10)
	clampPositive("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, 5)
	clampPositive("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, 50)
	clampPositive("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, 20)
	clampPositive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)
	switch cfg.OtelProtocol {
	case "grpc", "http/protobuf":
	default:
		*problems = append(*problems, Problem{Field: "OTEL_EXPORTER_OTLP_PROTOCOL", Message: "OTEL_EXPORTER_OTLP_PROTOCOL must be grpc or http/protobuf"})
		cfg.OtelProtocol = "grpc"
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
	kindFloat
	kindList
)

type field struct {
	key  string
	kind fieldKind
	str  *string
	num  *int
	flag *bool
	real *float64
	list *[]string
}

// fields is the single table both the config file and the environment are applied through.
func fields(cfg *Config) []field {
	s := func(key string, p *string) field { return field{key: key, kind: kindString, str: p} }
	i := func(key string, p *int) field { return field{key: key, kind: kindInt, num: p} }
	b := func(key string, p *bool) field { return field{key: key, kind: kindBool, flag: p} }
	f := func(key string, p *float64) field { return field{key: key, kind: kindFloat, real: p} }
	l := func(key string, p *[]string) field { return field{key: key, kind: kindList, list: p} }
	return []field{
		s("ENV", &cfg.Env),
		s("SERVICE_NAME", &cfg.ServiceName),
		i("HTTP_PORT", &cfg.HTTPPort),
		s("LOG_LEVEL", &cfg.LogLevel),
		i("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS),
		s("OIDC_ISSUER", &cfg.OIDCIssuer),
		s("OIDC_AUDIENCE", &cfg.OIDCAudience),
		s("OIDC_JWKS_URL", &cfg.OIDCJWKSURL),
		i("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds),
		i("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec),
		f("RATE_LIMIT_RPS", &cfg.RateLimitRPS),
		i("RATE_LIMIT_BURST", &cfg.RateLimitBurst),
		s("DATABASE_URL", &cfg.DatabaseURL),
		i("DB_MAX_CONNS", &cfg.DBMaxConns),
		i("DB_MIN_CONNS", &cfg.DBMinConns),
		i("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec),
		i("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec),
		l("KAFKA_BROKERS", &cfg.KafkaBrokers),
		s("KAFKA_CLIENT_ID", &cfg.KafkaClientID),
		s("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID),
		i("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax),
		i("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS),
		s("SERVICE_STREAM", &cfg.ServiceStream),
		s("TENANT_STREAM", &cfg.TenantStream),
		s("STREAM_ROUTES_PATH", &cfg.StreamRoutesPath),
		s("DLQ_TOPIC_SUFFIX", &cfg.DLQTopicSuffix),
		s("PUBLISH_MODE", &cfg.PublishMode),
		i("PUBLISH_TIMEOUT_MS", &cfg.PublishTimeoutMS),
		i("CONSUMER_MAX_ATTEMPTS", &cfg.ConsumerMaxAttempts),
		i("CONSUMER_BACKOFF_INITIAL_MS", &cfg.ConsumerBackoffInitialMS),
		i("CONSUMER_BACKOFF_MAX_MS", &cfg.ConsumerBackoffMaxMS),
		s("UNKNOWN_EVENT_POLICY", &cfg.UnknownEventPolicy),
		i("DEDUP_CACHE_TTL_SECONDS", &cfg.DedupCacheTTLSec),
		i("LEDGER_RETENTION_DAYS", &cfg.LedgerRetentionDays),
		f("STOCK_LOW_THRESHOLD", &cfg.StockLowThreshold),
		s("REDIS_ADDR", &cfg.RedisAddr),
		s("REDIS_PASSWORD", &cfg.RedisPassword),
		i("REDIS_DB", &cfg.RedisDB),
		s("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr),
		s("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass),
		i("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB),
		s("ASYNQ_QUEUE", &cfg.AsynqQueue),
		i("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency),
		i("OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec),
		i("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize),
		i("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts),
		s("INFLUX_URL", &cfg.InfluxURL),
		s("INFLUX_TOKEN", &cfg.InfluxToken),
		s("INFLUX_ORG", &cfg.InfluxOrg),
		s("INFLUX_BUCKET", &cfg.InfluxBucket),
		i("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS),
		b("OTEL_ENABLED", &cfg.OtelEnabled),
		s("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint),
		s("OTEL_EXPORTER_OTLP_PROTOCOL", &cfg.OtelProtocol),
		b("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure),
		f("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio),
	}
}

func (f field) set(v any, problems *[]Problem) {
	switch f.kind {
	case kindString:
		if s, ok := v.(string); ok {
			*f.str = strings.TrimSpace(s)
			return
		}
		*f.str = strings.TrimSpace(fmt.Sprint(v))
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be an integer"})
			return
		}
		*f.num = n
	case kindBool:
		var (
			b  bool
			ok bool
		)
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a boolean"})
			return
		}
		*f.flag = b
	case kindFloat:
		n, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a number"})
			return
		}
		*f.real = n
	case kindList:
		switch t := v.(type) {
		case string:
			*f.list = parseCSV(t)
		case []any:
			*f.list = parseAnyCSV(t)
		case []string:
			*f.list = parseAnyCSV(stringsToAny(t))
		default:
			*problems = append(*problems, Problem{Field: f.key, Message: f.key + " must be a list or CSV string"})
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, f := range fields(cfg) {
		if f.key == "ENV" {
			continue
		}
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" && f.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		f.set(v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]field)
	for _, f := range fields(cfg) {
		byKey[f.key] = f
	}
	for k, v := range raw {
		f, ok := byKey[strings.ToUpper(strings.TrimSpace(k))]
		if !ok || v == nil {
			continue
		}
		if f.key == "ENV" && cfg.Env != "" {
			continue
		}
		f.set(v, problems)
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	raw, err := decodeConfig(path, b)
	if err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: err.Error()}}, false
	}
	return raw, nil, true
}

func decodeConfig(path string, b []byte) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
	}
	return raw, nil
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
