// Package config loads the runtime configuration: environment variables for
// endpoints and tunables, plus a YAML persona catalog.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/chadiek/voicepipe/internal/persona"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	SpeechURL   string
	SpeechKey   string
	HistoryDir  string
	PersonaFile string

	MaxRecording time.Duration
	ResponseWait time.Duration
	ProbePeriod  time.Duration

	RetryBudget      int
	DegradeThreshold int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		SpeechURL:   os.Getenv("SPEECH_WS_URL"),
		SpeechKey:   os.Getenv("SPEECH_API_KEY"),
		HistoryDir:  getEnv("HISTORY_DIR", "data/history"),
		PersonaFile: getEnv("PERSONA_FILE", "personas.yaml"),

		MaxRecording: getDuration("MAX_RECORDING", 30*time.Second),
		ResponseWait: getDuration("RESPONSE_WAIT", 15*time.Second),
		ProbePeriod:  getDuration("PROBE_PERIOD", 5*time.Second),

		RetryBudget:      getInt("RETRY_BUDGET", 3),
		DegradeThreshold: getInt("DEGRADE_THRESHOLD", 5),
		BackoffBase:      getDuration("BACKOFF_BASE", 200*time.Millisecond),
		BackoffMax:       getDuration("BACKOFF_MAX", 5*time.Second),
	}

	if cfg.SpeechURL == "" {
		log.Println("Warning: SPEECH_WS_URL not set - turns will fail until the speech service is configured")
	}
	if cfg.SpeechKey == "" {
		log.Println("Warning: SPEECH_API_KEY not set")
	}
	log.Printf("config: HTTP_ADDRESS=%s PERSONA_FILE=%s HISTORY_DIR=%s", cfg.HTTPAddress, cfg.PersonaFile, cfg.HistoryDir)
	return cfg
}

// personaFile is the YAML shape of the persona catalog.
type personaFile struct {
	Default  string            `yaml:"default"`
	Personas []persona.Persona `yaml:"personas"`
}

// LoadPersonas reads the persona catalog and registers it into a manager.
// A missing file yields the built-in catalog so the pipeline always has a
// default persona.
func LoadPersonas(path string, logf func(string, ...any)) (*persona.Manager, error) {
	m := persona.NewManager(logf)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: persona file %s not found, using built-in catalog", path)
			registerBuiltins(m)
			return m, nil
		}
		return nil, fmt.Errorf("config: read persona file: %w", err)
	}

	var pf personaFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parse persona file %s: %w", path, err)
	}
	if len(pf.Personas) == 0 {
		return nil, fmt.Errorf("config: persona file %s defines no personas", path)
	}
	for _, p := range pf.Personas {
		if p.ModelKey == "" {
			return nil, fmt.Errorf("config: persona %q has no model key", p.DisplayName)
		}
		m.Register(p)
	}
	if pf.Default != "" {
		if err := m.SetDefault(pf.Default); err != nil {
			return nil, fmt.Errorf("config: default persona: %w", err)
		}
	}
	return m, nil
}

func registerBuiltins(m *persona.Manager) {
	m.Register(persona.Persona{
		ModelKey:    "hey_motoko",
		Voice:       "aoede",
		DisplayName: "Motoko",
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not an integer, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Warning: %s=%q is not a duration, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return v
}
