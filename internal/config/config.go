package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Config carries every tunable of the relay. All values come from the
// environment (with a .env file as fallback) and have working defaults; PORT
// is the only knob most deployments touch.
type Config struct {
	Port      int
	StaticDir string

	// How long a broadcaster loss is concealed from viewers before the
	// non-permanent disconnect notice goes out.
	DisconnectGrace time.Duration

	// Bounded grace for draining HTTP connections at shutdown.
	ShutdownTimeout time.Duration

	ReadLimit    int64
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration

	ICEURLs       []string
	ICEUsername   string
	ICECredential string

	MinUDPPort  int
	MaxUDPPort  int
	PLIInterval time.Duration

	LogLevel string
	LogFile  string

	logger *logrus.Logger
}

// Load reads the environment, after merging in a .env file when present.
// Real environment variables always win over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	pongWait := envDurationOrDefault("RTC_WS_PONG_WAIT", 45*time.Second)
	pingInterval := envDurationOrDefault("RTC_WS_PING_INTERVAL", 20*time.Second)
	if pingInterval >= pongWait {
		pingInterval = pongWait / 2
	}

	c := &Config{
		Port:            envIntOrDefault("PORT", 3000),
		StaticDir:       envOrDefault("STATIC_DIR", "public"),
		DisconnectGrace: envDurationOrDefault("RTC_DISCONNECT_GRACE", 30*time.Second),
		ShutdownTimeout: envDurationOrDefault("RTC_SHUTDOWN_TIMEOUT", 5*time.Second),
		ReadLimit:       int64(envIntOrDefault("RTC_WS_READ_LIMIT_BYTES", 1024*1024)),
		WriteTimeout:    envDurationOrDefault("RTC_WS_WRITE_TIMEOUT", 4*time.Second),
		PongWait:        pongWait,
		PingInterval:    pingInterval,
		ICEURLs:         splitList(os.Getenv("RTC_ICE_SERVERS")),
		ICEUsername:     strings.TrimSpace(os.Getenv("RTC_ICE_USERNAME")),
		ICECredential:   strings.TrimSpace(os.Getenv("RTC_ICE_CREDENTIAL")),
		MinUDPPort:      envIntOrDefault("RTC_UDP_PORT_MIN", 50000),
		MaxUDPPort:      envIntOrDefault("RTC_UDP_PORT_MAX", 50199),
		PLIInterval:     envDurationOrDefault("RTC_PLI_INTERVAL", 3*time.Second),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFile:         strings.TrimSpace(os.Getenv("LOG_FILE")),
	}

	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", c.Port)
	}
	return c, nil
}

// BindAddr returns the listen address derived from Port.
func (c *Config) BindAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ICEServers maps the configured STUN/TURN entries into webrtc form. Every
// URL shares the single optional credential pair.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEURLs))
	for _, u := range c.ICEURLs {
		server := webrtc.ICEServer{URLs: []string{u}}
		if c.ICEUsername != "" {
			server.Username = c.ICEUsername
		}
		if c.ICECredential != "" {
			server.Credential = c.ICECredential
		}
		servers = append(servers, server)
	}
	return servers
}

// Logger returns the process logger, built once: prefixed text formatter,
// level from LOG_LEVEL, and an lfshook file hook when LOG_FILE is set.
func (c *Config) Logger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = logLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
				c.logger.Warnf("cannot open %s, logging to stderr only", c.LogFile)
			} else {
				pathMap := lfshook.PathMap{}
				for _, lvl := range logrus.AllLevels {
					if lvl <= c.logger.Level {
						pathMap[lvl] = c.LogFile
					}
				}
				c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.TextFormatter{}))
			}
		}
	}
	return c.logger
}

func logLevel(l string) logrus.Level {
	switch strings.ToLower(l) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("invalid int env %s=%q (using %d)", key, raw, fallback)
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid duration env %s=%q (using %s)", key, raw, fallback)
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(entry); v != "" {
			out = append(out, v)
		}
	}
	return out
}
