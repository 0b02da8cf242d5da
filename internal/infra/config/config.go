// Package config loads and validates callvoxd's startup configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// BackendConfig points at the dispatch backend that owns the tool RPCs
// (lookup_caller, book_service, create_callback, send_sales_lead_alert,
// manage_appointment).
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelephonyConfig holds the carrier (Twilio) credentials and the inbound
// webhook/media-stream server settings.
type TelephonyConfig struct {
	Provider          string `yaml:"provider"` // "twilio" | "mock"
	TwilioAccountSID  string `yaml:"twilio_account_sid"`
	TwilioAuthToken   string `yaml:"twilio_auth_token"`
	WebhookAddr       string `yaml:"webhook_addr"`
	WebhookPath       string `yaml:"webhook_path"`
	StreamPath        string `yaml:"stream_path"`
	WebhookSkipVerify bool   `yaml:"webhook_skip_verify"` // dev-only
}

// SpeechConfig holds STT/TTS provider credentials and the fallback voice.
type SpeechConfig struct {
	STTAPIKey     string `yaml:"stt_api_key"`     // Deepgram
	TTSAPIKey     string `yaml:"tts_api_key"`     // Inworld (primary)
	TTSVoice      string `yaml:"tts_voice"`
	FallbackAPIKey string `yaml:"fallback_api_key"` // OpenAI TTS (fallback)
	FallbackVoice  string `yaml:"fallback_voice"`
}

// DashboardConfig holds the post-call webhook delivery targets. All three
// share one secret header and (per postcall.WebhookClient) one *http.Client instance.
type DashboardConfig struct {
	JobsURL  string `yaml:"jobs_url"`
	CallsURL string `yaml:"calls_url"`
	AlertsURL string `yaml:"alerts_url"`
	Secret   string `yaml:"webhook_secret"`
	UserEmail string `yaml:"user_email"`
}

// CallConfig holds call-lifecycle limits.
type CallConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	SilenceDurationMs int           `yaml:"silence_duration_ms"`
}

// Config is callvoxd's top-level configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Speech    SpeechConfig    `yaml:"speech"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Call      CallConfig      `yaml:"call"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// Defaults returns a Config with sensible defaults; Load overlays a YAML
// file and environment variables on top of this.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Telephony: TelephonyConfig{
			Provider:   "twilio",
			WebhookAddr: ":3334",
			WebhookPath: "/voice/webhook",
			StreamPath:  "/voice/stream",
		},
		Speech: SpeechConfig{
			TTSVoice:      "default",
			FallbackVoice: "alloy",
		},
		Call: CallConfig{
			MaxConcurrent:     8,
			MaxDuration:       10 * time.Minute,
			SilenceDurationMs: 800,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file (if present), applies CALLVOX_* environment
// overrides, decrypts any "enc:"-prefixed secrets, and validates the result.
// A missing path is not an error: defaults plus env vars must still satisfy
// Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CALLVOX_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CALLVOX_* environment variables onto cfg. Secrets
// are read from the environment preferentially, matching the original
// agent's REQUIRED_VARS convention of one env var per credential.
func ApplyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("CALLVOX_BACKEND_URL", &cfg.Backend.BaseURL)
	str("CALLVOX_BACKEND_API_KEY", &cfg.Backend.APIKey)
	str("CALLVOX_TWILIO_ACCOUNT_SID", &cfg.Telephony.TwilioAccountSID)
	str("CALLVOX_TWILIO_AUTH_TOKEN", &cfg.Telephony.TwilioAuthToken)
	str("CALLVOX_STT_API_KEY", &cfg.Speech.STTAPIKey)
	str("CALLVOX_TTS_API_KEY", &cfg.Speech.TTSAPIKey)
	str("CALLVOX_TTS_VOICE", &cfg.Speech.TTSVoice)
	str("CALLVOX_TTS_FALLBACK_API_KEY", &cfg.Speech.FallbackAPIKey)
	str("CALLVOX_TTS_FALLBACK_VOICE", &cfg.Speech.FallbackVoice)
	str("CALLVOX_DASHBOARD_JOBS_URL", &cfg.Dashboard.JobsURL)
	str("CALLVOX_DASHBOARD_CALLS_URL", &cfg.Dashboard.CallsURL)
	str("CALLVOX_DASHBOARD_ALERTS_URL", &cfg.Dashboard.AlertsURL)
	str("CALLVOX_DASHBOARD_SECRET", &cfg.Dashboard.Secret)
	str("CALLVOX_DASHBOARD_USER_EMAIL", &cfg.Dashboard.UserEmail)
	str("CALLVOX_LOG_LEVEL", &cfg.Logger.Level)

	if v := os.Getenv("CALLVOX_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
}

// requiredFields lists the (name, value) pairs that must be non-empty
// before the server may start accepting calls, mirroring the original
// agent's validate_config() fail-fast-at-import behavior.
func (c *Config) requiredFields() []struct {
	name  string
	value string
} {
	return []struct {
		name  string
		value string
	}{
		{"backend.base_url", c.Backend.BaseURL},
		{"telephony.twilio_account_sid", c.Telephony.TwilioAccountSID},
		{"telephony.twilio_auth_token", c.Telephony.TwilioAuthToken},
		{"speech.stt_api_key", c.Speech.STTAPIKey},
		{"speech.tts_api_key", c.Speech.TTSAPIKey},
	}
}

// Validate checks that all required configuration is present. It returns
// an aggregate error naming every missing field, not just the first.
func Validate(cfg *Config) error {
	var missing []string
	for _, f := range cfg.requiredFields() {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if cfg.Call.MaxConcurrent <= 0 {
		return fmt.Errorf("call.max_concurrent must be positive")
	}
	return nil
}

func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []*string{
		&cfg.Backend.APIKey,
		&cfg.Telephony.TwilioAuthToken,
		&cfg.Speech.STTAPIKey,
		&cfg.Speech.TTSAPIKey,
		&cfg.Speech.FallbackAPIKey,
		&cfg.Dashboard.Secret,
	}
	for _, fp := range secrets {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("decrypt secret: %w", err)
			}
			*fp = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a
// passphrase-derived key, for storing secrets in version-controlled YAML
// as "enc:<salt>:<ciphertext>".
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
