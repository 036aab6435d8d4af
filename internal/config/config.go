package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type HTTP struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Config struct {
	HTTP     HTTP
	Redis    Redis
	Sandbox  Sandbox
	Session  Session
	Reaper   Reaper
	LogLevel string
}

// Redis configures the shared backend for session records and the file
// cache. An empty Addr selects the in-memory backends instead.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Sandbox struct {
	WorkdirRoot   string
	Network       string
	ExecTimeout   time.Duration
	LaunchTimeout time.Duration
	LaunchRetries int
	LaunchBackoff time.Duration
	StopGrace     time.Duration
	Limits        Limits
	Images        Images
}

// Limits is applied to every sandbox container at create time.
type Limits struct {
	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
}

type Images struct {
	Python string
	Bash   string
	Pybash string
}

type Session struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	LockWait   time.Duration
}

type Reaper struct {
	Interval time.Duration
}

func FromEnv() (Config, error) {
	http := HTTP{
		Host:            getEnv("HTTP_HOST", "0.0.0.0"),
		Port:            getInt("HTTP_PORT", 8080),
		ReadTimeout:     getDuration("HTTP_READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	redis := Redis{
		Addr:     getEnv("REDIS_ADDR", ""),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getInt("REDIS_DB", 0),
	}

	sandbox := Sandbox{
		WorkdirRoot:   getEnv("SANDBOX_WORKDIR_ROOT", "/tmp/sentbox-sessions"),
		Network:       getEnv("SANDBOX_NETWORK", "none"),
		ExecTimeout:   getDuration("SANDBOX_EXEC_TIMEOUT", 30*time.Second),
		LaunchTimeout: getDuration("SANDBOX_LAUNCH_TIMEOUT", 20*time.Second),
		LaunchRetries: getInt("SANDBOX_LAUNCH_RETRIES", 3),
		LaunchBackoff: getDuration("SANDBOX_LAUNCH_BACKOFF", time.Second),
		StopGrace:     getDuration("SANDBOX_STOP_GRACE", 5*time.Second),
		Limits: Limits{
			CPUs:        getFloat("SANDBOX_CPUS", 1.0),
			MemoryBytes: getInt64("SANDBOX_MEMORY_BYTES", 512*1024*1024),
			PidsLimit:   getInt64("SANDBOX_PIDS_LIMIT", 128),
		},
		Images: Images{
			Python: getEnv("SANDBOX_IMAGE_PYTHON", "sentbox-python:latest"),
			Bash:   getEnv("SANDBOX_IMAGE_BASH", "sentbox-bash:latest"),
			Pybash: getEnv("SANDBOX_IMAGE_PYBASH", "sentbox-pybash:latest"),
		},
	}
	if sandbox.ExecTimeout <= 0 {
		sandbox.ExecTimeout = 30 * time.Second
	}
	if sandbox.LaunchRetries <= 0 {
		sandbox.LaunchRetries = 3
	}

	session := Session{
		DefaultTTL: getDuration("SESSION_DEFAULT_TTL", 30*time.Minute),
		MaxTTL:     getDuration("SESSION_MAX_TTL", 24*time.Hour),
		LockWait:   getDuration("SESSION_LOCK_WAIT", 5*time.Second),
	}
	if session.DefaultTTL <= 0 {
		session.DefaultTTL = 30 * time.Minute
	}
	if session.MaxTTL < session.DefaultTTL {
		session.MaxTTL = session.DefaultTTL
	}

	reaper := Reaper{
		Interval: getDuration("REAPER_INTERVAL", 30*time.Second),
	}
	if reaper.Interval <= 0 {
		reaper.Interval = 30 * time.Second
	}

	if http.Port <= 0 || http.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port: %d", http.Port)
	}

	return Config{
		HTTP:     http,
		Redis:    redis,
		Sandbox:  sandbox,
		Session:  session,
		Reaper:   reaper,
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
