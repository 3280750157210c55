package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Host          string
	Port          int
	DBPath        string
	AcceptTimeout time.Duration
	PollInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameSize  int
	MaxMalformed  int
	AdminAddr     string // empty disables the admin HTTP surface
	ControlSocket string // empty disables the control socket
	LogLevel      string
}

func Load() *Config {
	cfg := &Config{
		Host:          "",
		Port:          7777,
		DBPath:        "chatrelay.db",
		AcceptTimeout: 200 * time.Millisecond,
		PollInterval:  time.Second,
		ReadTimeout:   2 * time.Second,
		WriteTimeout:  2 * time.Second,
		MaxFrameSize:  64 << 10,
		MaxMalformed:  3,
		AdminAddr:     "127.0.0.1:7778",
		ControlSocket: "/tmp/chatrelay.sock",
		LogLevel:      "info",
	}

	if host, ok := os.LookupEnv("CHATRELAY_HOST"); ok {
		cfg.Host = host
	}

	if portStr := os.Getenv("CHATRELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("CHATRELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	envDuration("CHATRELAY_ACCEPT_TIMEOUT", &cfg.AcceptTimeout)
	envDuration("CHATRELAY_POLL_INTERVAL", &cfg.PollInterval)
	envDuration("CHATRELAY_READ_TIMEOUT", &cfg.ReadTimeout)
	envDuration("CHATRELAY_WRITE_TIMEOUT", &cfg.WriteTimeout)

	if sizeStr := os.Getenv("CHATRELAY_MAX_FRAME_SIZE"); sizeStr != "" {
		if size, err := strconv.Atoi(sizeStr); err == nil {
			cfg.MaxFrameSize = size
		}
	}

	if nStr := os.Getenv("CHATRELAY_MAX_MALFORMED"); nStr != "" {
		if n, err := strconv.Atoi(nStr); err == nil {
			cfg.MaxMalformed = n
		}
	}

	if addr, ok := os.LookupEnv("CHATRELAY_ADMIN_ADDR"); ok {
		cfg.AdminAddr = addr
	}

	if path, ok := os.LookupEnv("CHATRELAY_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = path
	}

	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg
}

// envDuration overwrites *d from a Go duration string, or from a bare
// number of seconds.
func envDuration(key string, d *time.Duration) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = v
	} else if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = time.Duration(secs * float64(time.Second))
	}
}

// Validate reports the first setting that cannot be used to start a server.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1024 || c.Port > 65535:
		return fmt.Errorf("port %d out of range 1024..65535", c.Port)
	case c.DBPath == "":
		return fmt.Errorf("database path is empty")
	case c.AcceptTimeout <= 0, c.PollInterval <= 0, c.ReadTimeout <= 0, c.WriteTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("max frame size must be positive")
	case c.MaxMalformed < 0:
		return fmt.Errorf("max malformed frames must not be negative")
	}
	return nil
}

// ListenAddr returns the host:port the relay listens on.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
