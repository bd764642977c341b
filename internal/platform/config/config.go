package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSecurityEnvironment = "local"
	defaultPaymentProvider     = "stripe"
	defaultCurrency            = "INR"
	defaultSignatureHeader     = "signature"
	defaultTimestampHeader     = "timestamp"
	defaultWebhookIdemHeader   = "idempotency-key"
	defaultWebhookMaxBody      = 1 << 20
	defaultAdvancePercentage   = "10"
	defaultStoreCreditRate     = "1"
	defaultReturnWindow        = 7 * 24 * time.Hour
	defaultCreditExpiry        = 365 * 24 * time.Hour
	defaultStalePendingTimeout = 30 * time.Minute
	defaultReservationTimeout  = 15 * time.Minute
	defaultSweepInterval       = 5 * time.Minute
	defaultRedisStatusTTL      = 5 * time.Minute
	defaultRedisDedupTTL       = 48 * time.Hour
	defaultKafkaTopic          = "order-events"
	defaultKafkaBuffer         = 256
	defaultNotificationsTopic  = "order-notifications"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Payments    PaymentsConfig
	Webhooks    WebhookConfig
	Orders      OrdersConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	PubSub      PubSubConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PaymentsConfig collects gateway credentials and session routing.
type PaymentsConfig struct {
	StripeAPIKey       string
	MidtransServerKey  string
	MidtransProduction bool
	DefaultProvider    string
	CurrencyRoutes     map[string]string
	DefaultCurrency    string
	SuccessURL         string
	CancelURL          string
	NotifyURL          string
}

// WebhookConfig contains inbound payment notification parameters.
type WebhookConfig struct {
	SigningSecret     string
	SignatureHeader   string
	TimestampHeader   string
	IdempotencyHeader string
	MaxBodyBytes      int64
}

// OrdersConfig holds the business constants of the order lifecycle.
type OrdersConfig struct {
	AdvancePercentage   decimal.Decimal
	StoreCreditRate     decimal.Decimal
	ReturnWindow        time.Duration
	CreditExpiry        time.Duration
	StalePendingTimeout time.Duration
	ReservationTimeout  time.Duration
	SweepInterval       time.Duration
}

// RedisConfig configures the status cache and webhook dedup markers. Empty Addr disables Redis.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
	DedupTTL  time.Duration
}

// KafkaConfig configures the order event stream. Empty Brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Buffer  int
}

// PubSubConfig configures the notification sink topic.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
}

// IdempotencyConfig controls the client Idempotency-Key middleware.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match config field names, e.g. "Webhooks.SigningSecret".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string
	decimalField := func(key, name, fallback string) decimal.Decimal {
		value, err := decimalWithDefault(lookup, key, fallback)
		if err != nil {
			invalid = append(invalid, name)
			return decimal.RequireFromString(fallback)
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:       stringWithDefault(lookup, "API_PAYMENTS_STRIPE_API_KEY", ""),
			MidtransServerKey:  stringWithDefault(lookup, "API_PAYMENTS_MIDTRANS_SERVER_KEY", ""),
			MidtransProduction: boolWithDefault(lookup, "API_PAYMENTS_MIDTRANS_PRODUCTION", false),
			DefaultProvider:    strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			CurrencyRoutes:     mapWithDefault(lookup, "API_PAYMENTS_CURRENCY_ROUTES"),
			DefaultCurrency:    strings.ToUpper(stringWithDefault(lookup, "API_PAYMENTS_DEFAULT_CURRENCY", defaultCurrency)),
			SuccessURL:         stringWithDefault(lookup, "API_PAYMENTS_SUCCESS_URL", ""),
			CancelURL:          stringWithDefault(lookup, "API_PAYMENTS_CANCEL_URL", ""),
			NotifyURL:          stringWithDefault(lookup, "API_PAYMENTS_NOTIFY_URL", ""),
		},
		Webhooks: WebhookConfig{
			SigningSecret:     stringWithDefault(lookup, "API_WEBHOOK_SIGNING_SECRET", ""),
			SignatureHeader:   stringWithDefault(lookup, "API_WEBHOOK_SIGNATURE_HEADER", defaultSignatureHeader),
			TimestampHeader:   stringWithDefault(lookup, "API_WEBHOOK_TIMESTAMP_HEADER", defaultTimestampHeader),
			IdempotencyHeader: stringWithDefault(lookup, "API_WEBHOOK_IDEMPOTENCY_HEADER", defaultWebhookIdemHeader),
			MaxBodyBytes:      int64(intWithDefault(lookup, "API_WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBody)),
		},
		Orders: OrdersConfig{
			AdvancePercentage:   decimalField("API_ORDERS_ADVANCE_PERCENTAGE", "Orders.AdvancePercentage", defaultAdvancePercentage),
			StoreCreditRate:     decimalField("API_ORDERS_STORE_CREDIT_RATE", "Orders.StoreCreditRate", defaultStoreCreditRate),
			ReturnWindow:        durationWithDefault(lookup, "API_ORDERS_RETURN_WINDOW", defaultReturnWindow),
			CreditExpiry:        durationWithDefault(lookup, "API_ORDERS_CREDIT_EXPIRY", defaultCreditExpiry),
			StalePendingTimeout: durationWithDefault(lookup, "API_ORDERS_STALE_PENDING_TIMEOUT", defaultStalePendingTimeout),
			ReservationTimeout:  durationWithDefault(lookup, "API_ORDERS_RESERVATION_TIMEOUT", defaultReservationTimeout),
			SweepInterval:       durationWithDefault(lookup, "API_ORDERS_SWEEP_INTERVAL", defaultSweepInterval),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "API_REDIS_DB", 0),
			StatusTTL: durationWithDefault(lookup, "API_REDIS_STATUS_TTL", defaultRedisStatusTTL),
			DedupTTL:  durationWithDefault(lookup, "API_REDIS_DEDUP_TTL", defaultRedisDedupTTL),
		},
		Kafka: KafkaConfig{
			Brokers: csvWithDefault(lookup, "API_KAFKA_BROKERS"),
			Topic:   stringWithDefault(lookup, "API_KAFKA_TOPIC", defaultKafkaTopic),
			Buffer:  intWithDefault(lookup, "API_KAFKA_BUFFER", defaultKafkaBuffer),
		},
		PubSub: PubSubConfig{
			ProjectID:          stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: stringWithDefault(lookup, "API_PUBSUB_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	// Firestore and Pub/Sub projects default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	routes := make(map[string]string, len(cfg.Payments.CurrencyRoutes))
	for currency, provider := range cfg.Payments.CurrencyRoutes {
		routes[strings.ToUpper(currency)] = strings.ToLower(provider)
	}
	cfg.Payments.CurrencyRoutes = routes

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.MidtransServerKey", &cfg.Payments.MidtransServerKey},
		{"Webhooks.SigningSecret", &cfg.Webhooks.SigningSecret},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Webhooks.SigningSecret) == "" {
		missing = append(missing, "Webhooks.SigningSecret")
	}
	if strings.TrimSpace(cfg.Webhooks.SignatureHeader) == "" {
		missing = append(missing, "Webhooks.SignatureHeader")
	}
	if strings.TrimSpace(cfg.Webhooks.TimestampHeader) == "" {
		missing = append(missing, "Webhooks.TimestampHeader")
	}
	if cfg.Webhooks.MaxBodyBytes <= 0 {
		missing = append(missing, "Webhooks.MaxBodyBytes")
	}
	if cfg.Payments.StripeAPIKey == "" && cfg.Payments.MidtransServerKey == "" {
		missing = append(missing, "Payments.Provider")
	}
	if cfg.Orders.AdvancePercentage.LessThanOrEqual(decimal.Zero) || cfg.Orders.AdvancePercentage.GreaterThan(decimal.NewFromInt(100)) {
		missing = append(missing, "Orders.AdvancePercentage")
	}
	if cfg.Orders.StoreCreditRate.IsNegative() {
		missing = append(missing, "Orders.StoreCreditRate")
	}
	if cfg.Orders.ReturnWindow <= 0 {
		missing = append(missing, "Orders.ReturnWindow")
	}
	if cfg.Orders.SweepInterval <= 0 {
		missing = append(missing, "Orders.SweepInterval")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func decimalWithDefault(lookup func(string) (string, bool), key, fallback string) (decimal.Decimal, error) {
	raw := fallback
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		raw = strings.TrimSpace(value)
	}
	return decimal.NewFromString(raw)
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
