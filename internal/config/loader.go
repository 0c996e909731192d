package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables.
	// This allows repository/local configuration to deterministically control
	// runtime behavior in development unless explicitly changed.
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Host = firstNonEmpty(strings.TrimSpace(os.Getenv("LLMCOUNCIL_HOST")), "0.0.0.0")
	cfg.Port = firstNonEmpty(strings.TrimSpace(os.Getenv("LLMCOUNCIL_PORT")), "8080")

	cfg.DataDir = firstNonEmpty(strings.TrimSpace(os.Getenv("LLMCOUNCIL_DATA_DIR")), "./data")

	cfg.GatewayBaseURL = strings.TrimSpace(os.Getenv("LLMCOUNCIL_GATEWAY_BASE_URL"))
	cfg.GatewayAPIKey = strings.TrimSpace(os.Getenv("LLMCOUNCIL_GATEWAY_API_KEY"))

	cfg.DefaultCouncilModels = parseCommaSeparatedList(os.Getenv("LLMCOUNCIL_DEFAULT_MODELS"))
	cfg.DefaultChairmanModel = strings.TrimSpace(os.Getenv("LLMCOUNCIL_CHAIRMAN_MODEL"))
	cfg.SummaryModel = strings.TrimSpace(os.Getenv("LLMCOUNCIL_SUMMARY_MODEL"))

	cfg.WebSearchAPIKey = strings.TrimSpace(os.Getenv("LLMCOUNCIL_WEB_SEARCH_API_KEY"))
	cfg.WebSearchURL = strings.TrimSpace(os.Getenv("LLMCOUNCIL_WEB_SEARCH_URL"))

	cfg.AttachmentMaxBytes = int64FromEnv("LLMCOUNCIL_ATTACHMENT_MAX_BYTES", 25*1024*1024)
	cfg.CatalogTTLSeconds = intFromEnv("LLMCOUNCIL_CATALOG_TTL_SECONDS", 300)

	cfg.AuthEnabled = boolFromEnv("LLMCOUNCIL_AUTH_ENABLED", false)
	cfg.TrustedProxyIPs = parseCommaSeparatedList(os.Getenv("LLMCOUNCIL_TRUSTED_PROXY_IPS"))

	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("LLMCOUNCIL_LOG_LEVEL")), "info")
	cfg.LogFormat = firstNonEmpty(strings.TrimSpace(os.Getenv("LLMCOUNCIL_LOG_FORMAT")), "json")
	cfg.LogPath = strings.TrimSpace(os.Getenv("LLMCOUNCIL_LOG_PATH"))
	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("LLMCOUNCIL_OTLP_ENDPOINT"))

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := parseInt(v); err == nil {
			return n
		}
	}
	return def
}

func int64FromEnv(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
