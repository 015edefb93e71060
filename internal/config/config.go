package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL string

	LedgerRPCURL     string
	LedgerTimeout    time.Duration
	ResolveMaxTries  int
	ResolveBaseDelay time.Duration
	ResolveMaxDelay  time.Duration

	RedeemOnAdmit     bool
	GateCapabilityRef string

	GateTokenSecret string

	StoreQueryTimeout time.Duration

	ReconcileMaxTries    int
	ReconcileTaskTimeout time.Duration

	RateLimitPerMinute         int
	RateLimitBurst             int
	VerifierRateLimitPerMinute int
	VerifierRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),

		AMQPURL: os.Getenv("AMQP_URL"),

		LedgerRPCURL:     os.Getenv("LEDGER_RPC_URL"),
		LedgerTimeout:    readDurationMillis("LEDGER_TIMEOUT_MS", 5000),
		ResolveMaxTries:  readInt("LEDGER_RESOLVE_MAX_TRIES", 3),
		ResolveBaseDelay: readDurationMillis("LEDGER_RESOLVE_BASE_DELAY_MS", 100),
		ResolveMaxDelay:  readDurationMillis("LEDGER_RESOLVE_MAX_DELAY_MS", 2000),

		RedeemOnAdmit:     readBool("REDEEM_ON_ADMIT", false),
		GateCapabilityRef: os.Getenv("GATE_CAPABILITY_REF"),

		GateTokenSecret: os.Getenv("GATE_TOKEN_SECRET"),

		StoreQueryTimeout: readDurationMillis("STORE_QUERY_TIMEOUT_MS", 3000),

		ReconcileMaxTries:    readInt("RECONCILE_MAX_TRIES", 5),
		ReconcileTaskTimeout: readDurationMillis("RECONCILE_TASK_TIMEOUT_MS", 30000),

		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 300),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 60),
		VerifierRateLimitPerMinute: readInt("VERIFIER_RATE_LIMIT_PER_MIN", 120),
		VerifierRateLimitBurst:     readInt("VERIFIER_RATE_LIMIT_BURST", 30),
	}
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
