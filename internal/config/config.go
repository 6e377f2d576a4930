// Package config holds the process configuration and the provider registry
// data that the AI router is built from. Everything here is loaded once at
// startup and immutable afterwards.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderKind selects the wire protocol a provider speaks. The set is
// closed: every supported provider is either OpenAI-compatible or speaks
// the Anthropic messages dialect.
type ProviderKind int

const (
	KindOpenAICompatible ProviderKind = iota
	KindAnthropic
)

func (k ProviderKind) String() string {
	if k == KindAnthropic {
		return "anthropic"
	}
	return "openai-compatible"
}

// ProviderDescriptor is the static description of one upstream provider:
// where to send requests, which env vars carry credentials, and which
// model-name prefixes route to it.
type ProviderDescriptor struct {
	Name          string
	Kind          ProviderKind
	BaseURL       string // empty means the provider's canonical endpoint
	KeyEnvVar     string // singular credential, e.g. OPENAI_API_KEY
	KeysEnvVar    string // plural comma-separated pool, e.g. OPENAI_API_KEYS
	ModelPrefixes []string
	FallbackModel string // model used when this provider serves as an alternate
	Default       bool   // receives models no prefix claims
}

// Providers returns the descriptor table in fallback order. The order is
// significant: when a provider's pool is exhausted the router walks this
// list for an alternate.
func Providers() []ProviderDescriptor {
	return []ProviderDescriptor{
		{
			Name:          "groq",
			Kind:          KindOpenAICompatible,
			BaseURL:       "https://api.groq.com/openai/v1",
			KeyEnvVar:     "GROQ_API_KEY",
			KeysEnvVar:    "GROQ_API_KEYS",
			ModelPrefixes: []string{"llama", "gemma", "mixtral"},
			FallbackModel: "llama-3.3-70b-versatile",
		},
		{
			Name:          "gemini",
			Kind:          KindOpenAICompatible,
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta/openai",
			KeyEnvVar:     "GEMINI_API_KEY",
			KeysEnvVar:    "GEMINI_API_KEYS",
			ModelPrefixes: []string{"gemini"},
			FallbackModel: "gemini-2.0-flash",
		},
		{
			Name:          "openrouter",
			Kind:          KindOpenAICompatible,
			BaseURL:       "https://openrouter.ai/api/v1",
			KeyEnvVar:     "OPENROUTER_API_KEY",
			KeysEnvVar:    "OPENROUTER_API_KEYS",
			ModelPrefixes: []string{"openrouter/", "meta-llama/", "google/", "mistralai/", "deepseek/"},
			FallbackModel: "meta-llama/llama-3.3-70b-instruct",
		},
		{
			Name:          "openai",
			Kind:          KindOpenAICompatible,
			BaseURL:       "https://api.openai.com/v1",
			KeyEnvVar:     "OPENAI_API_KEY",
			KeysEnvVar:    "OPENAI_API_KEYS",
			ModelPrefixes: []string{"gpt-", "o1-", "o3-"},
			FallbackModel: "gpt-4o-mini",
			Default:       true,
		},
		{
			Name:          "anthropic",
			Kind:          KindAnthropic,
			BaseURL:       "https://api.anthropic.com",
			KeyEnvVar:     "ANTHROPIC_API_KEY",
			KeysEnvVar:    "ANTHROPIC_API_KEYS",
			ModelPrefixes: []string{"claude"},
			FallbackModel: "claude-3-5-haiku-20241022",
		},
	}
}

// ModelPricing is the per-1K-token price for a model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultPricing is applied to models missing from the table so cost
// accounting never silently records zero.
var DefaultPricing = ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.006}

// Pricing maps model names to their per-1K-token prices.
var Pricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"o1-preview":                 {InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini":                    {InputPer1K: 0.003, OutputPer1K: 0.012},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini-1.5-pro":             {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":           {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash":           {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"llama-3.3-70b-versatile":    {InputPer1K: 0.00059, OutputPer1K: 0.00079},
	"llama-3.1-8b-instant":       {InputPer1K: 0.00005, OutputPer1K: 0.00008},
	"mixtral-8x7b-32768":         {InputPer1K: 0.00024, OutputPer1K: 0.00024},
}

// PriceFor returns the pricing for a model, falling back to DefaultPricing.
func PriceFor(model string) ModelPricing {
	if p, ok := Pricing[model]; ok {
		return p
	}
	return DefaultPricing
}

// AppConfig is the process-level configuration, read from the environment
// once in main.
type AppConfig struct {
	Port        string
	Environment string
	DatabaseURL string // postgres DSN; empty selects the sqlite file
	SQLitePath  string

	// Build loop knobs.
	MaxFixCycles   int
	SessionBudget  float64 // USD soft ceiling per build
	PivotModel     string  // cheaper model to pivot to once the budget trips
	DiagnosisModel string
	PatchModel     string

	// Sandbox knobs.
	SandboxImage    string
	SandboxTimeout  time.Duration
	SandboxMemoryMB int64
	SandboxCPUs     float64
	PreferContainer bool
}

// Load reads AppConfig from the environment, applying defaults for
// anything unset.
func Load() AppConfig {
	return AppConfig{
		Port:            envOr("PORT", "8080"),
		Environment:     envOr("ENVIRONMENT", "development"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      envOr("SQLITE_PATH", "forgebuild.db"),
		MaxFixCycles:    envInt("MAX_FIX_CYCLES", 5),
		SessionBudget:   envFloat("SESSION_BUDGET_USD", 5.0),
		PivotModel:      envOr("PIVOT_MODEL", "gpt-4o-mini"),
		DiagnosisModel:  envOr("DIAGNOSIS_MODEL", "gpt-4o"),
		PatchModel:      envOr("PATCH_MODEL", "gpt-4o"),
		SandboxImage:    envOr("SANDBOX_IMAGE", "python:3.12-slim"),
		SandboxTimeout:  time.Duration(envInt("SANDBOX_TIMEOUT_SECONDS", 60)) * time.Second,
		SandboxMemoryMB: int64(envInt("SANDBOX_MEMORY_MB", 512)),
		SandboxCPUs:     envFloat("SANDBOX_CPUS", 1.0),
		PreferContainer: envOr("SANDBOX_STRATEGY", "docker") != "host",
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil && v > 0 {
		return v
	}
	return def
}
