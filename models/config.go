package models

// Config holds the service configuration loaded from config.json.
// Redis coordinates come from the environment (see database.InitRedis).
type Config struct {
	DBHost     string `json:"db_host"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_sslmode"`

	// StashBackend selects the durable store implementation:
	// "redis", "postgres" or "memory".
	StashBackend string `json:"stash_backend"`

	// PubSubEnabled turns the Redis lifecycle event bus on. When off
	// the service publishes to a no-op bus, and Redis is only needed
	// if it backs the stash.
	PubSubEnabled bool `json:"pubsub_enabled"`

	// SiteEndpoint is the base URL of the content-management backend
	// that owns user accounts and experiment metadata.
	SiteEndpoint string `json:"site_endpoint"`

	// EtsKey salts the hashed user ids disclosed to experiment managers.
	EtsKey string `json:"ets_key"`

	StatsEnabled  bool `json:"stats_enabled"`
	StatsInterval int  `json:"stats_interval"` // seconds

	AllowedOrigins []string `json:"allowed_origins"`
}
