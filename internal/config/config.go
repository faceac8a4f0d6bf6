package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrandAccount names one provider brand watched by reverse sync and the
// directory account whose credentials list its tickets.
type BrandAccount struct {
	BrandID   string
	Tenant    string
	AccountID string
}

type Config struct {
	Addr     string
	StateDSN string
	RedisURL string

	MeiliURL       string
	MeiliMasterKey string

	DeskBaseURL      string
	DeskAPIKey       string
	DeskPortalURL    string
	DeskWebhookToken string

	ProviderBaseURL string

	DirectoryURL    string
	DirectoryAPIKey string

	AdminUser         string
	AdminPasswordHash string

	SyncInterval      time.Duration
	SyncWorkers       int
	ConversationCap   int
	BackfillDays      int
	EscalationEnabled bool
	ReverseBrands     []BrandAccount
}

func Load() Config {
	return Config{
		Addr:     getenv("API_ADDR", ":8787"),
		StateDSN: getenv("DESKBRIDGE_STATE_DSN", "file://./data/state"),
		// Redis - optional shared directory cache layer
		RedisURL: getenv("REDIS_URL", ""),
		// Meilisearch - optional sync event index, ring buffer only if unset
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		DeskBaseURL:      getenv("DESK_BASE_URL", "https://desk.example.com"),
		DeskAPIKey:       getenv("DESK_API_KEY", ""),
		DeskPortalURL:    getenv("DESK_PORTAL_URL", "https://support.example.com"),
		DeskWebhookToken: getenv("DESK_WEBHOOK_TOKEN", ""),

		ProviderBaseURL: getenv("PROVIDER_BASE_URL", "https://api.provider.example.com"),

		DirectoryURL:    getenv("DIRECTORY_URL", ""),
		DirectoryAPIKey: getenv("DIRECTORY_API_KEY", ""),

		AdminUser:         getenv("DESKBRIDGE_ADMIN_USER", "admin"),
		AdminPasswordHash: getenv("DESKBRIDGE_ADMIN_PASSWORD_HASH", ""),

		SyncInterval:      time.Duration(getenvInt("DESKBRIDGE_SYNC_INTERVAL_SECONDS", 300)) * time.Second,
		SyncWorkers:       getenvInt("DESKBRIDGE_SYNC_WORKERS", 4),
		ConversationCap:   getenvInt("DESKBRIDGE_CONVERSATION_CAP", 1000),
		BackfillDays:      getenvInt("DESKBRIDGE_BACKFILL_DAYS", 30),
		EscalationEnabled: getenvBool("DESKBRIDGE_ESCALATION_ENABLED", false),
		ReverseBrands:     parseBrands(getenv("DESKBRIDGE_REVERSE_BRANDS", "")),
	}
}

// parseBrands reads "brandID:tenant:accountID" triples separated by
// commas. Malformed entries are logged and skipped so one typo does not
// take the whole service down.
func parseBrands(raw string) []BrandAccount {
	if raw == "" {
		return nil
	}
	var brands []BrandAccount
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			log.Printf("config: ignoring malformed reverse brand entry %q", entry)
			continue
		}
		brands = append(brands, BrandAccount{BrandID: parts[0], Tenant: parts[1], AccountID: parts[2]})
	}
	return brands
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
