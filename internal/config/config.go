package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default configuration values (production)
const (
	DefaultListenAddr    = ":8080"
	DefaultDatabasePath  = "meshspace.db"
	DefaultFlushDebounce = 200 * time.Millisecond
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultTURN          = "" // Optional, empty by default
	DefaultTURNUser      = ""
	DefaultTURNPass      = ""
)

// Config holds application configuration
type Config struct {
	// ListenAddr is the address the relay server binds to
	ListenAddr string

	// DatabasePath is the SQLite file backing document persistence
	DatabasePath string

	// FlushDebounce is the quiet period before pending document
	// writes are flushed to durable storage
	FlushDebounce time.Duration

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Options for loading config with CLI flag overrides
type Options struct {
	ListenAddr    string
	DatabasePath  string
	FlushDebounce time.Duration
	STUNServer    string
	TURNServer    string
	TURNUser      string
	TURNPass      string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	addr := opts.ListenAddr
	if addr == "" {
		addr = os.Getenv("LISTEN_ADDR")
	}
	if addr == "" {
		addr = DefaultListenAddr
	}

	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = os.Getenv("DATABASE_PATH")
	}
	if dbPath == "" {
		dbPath = DefaultDatabasePath
	}

	debounce := opts.FlushDebounce
	if debounce == 0 {
		if v := os.Getenv("FLUSH_DEBOUNCE_MS"); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid FLUSH_DEBOUNCE_MS %q: %w", v, err)
			}
			debounce = time.Duration(ms) * time.Millisecond
		}
	}
	if debounce == 0 {
		debounce = DefaultFlushDebounce
	}

	stunServer := opts.STUNServer
	if stunServer == "" {
		stunServer = os.Getenv("STUN_SERVER")
	}
	if stunServer == "" {
		stunServer = DefaultSTUN
	}

	turnServer := opts.TURNServer
	if turnServer == "" {
		turnServer = os.Getenv("TURN_SERVER")
	}
	if turnServer == "" {
		turnServer = DefaultTURN
	}

	turnUser := opts.TURNUser
	if turnUser == "" {
		turnUser = os.Getenv("TURN_USERNAME")
	}
	if turnUser == "" {
		turnUser = DefaultTURNUser
	}

	turnPass := opts.TURNPass
	if turnPass == "" {
		turnPass = os.Getenv("TURN_PASSWORD")
	}
	if turnPass == "" {
		turnPass = DefaultTURNPass
	}

	return &Config{
		ListenAddr:    addr,
		DatabasePath:  dbPath,
		FlushDebounce: debounce,
		STUNServer:    stunServer,
		TURNServer:    turnServer,
		TURNUser:      turnUser,
		TURNPass:      turnPass,
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
