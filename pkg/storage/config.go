package storage

import "time"

// Config holds connection settings for every backing store.
type Config struct {
	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration
	MaxLifetime      time.Duration
	MaxIdleTime      time.Duration

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns: 5,
		PostgresMinConns: 1,
		PostgresTimeout:  10 * time.Second,
		MaxLifetime:      30 * time.Minute,
		MaxIdleTime:      5 * time.Minute,
		S3Region:         "us-east-1",
		S3Prefix:         "runs",
		RedisDB:          -1,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
	}
}
