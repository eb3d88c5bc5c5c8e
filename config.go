package mailauth

import (
	"net/mail"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
)

// Duration is a time.Duration that's written as "30s" in JSON. A plain number
// is read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		n, nerr := strconv.ParseFloat(string(b), 64)
		if nerr != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RelayConfig is the operator's own SMTP relay, used for notices.
type RelayConfig struct {
	// Host, with or without port.
	Host string `json:"host"`

	// Port if Host doesn't have one; default 587.
	Port string `json:"port"`

	// Username and Password to log in with; no AUTH if Username is empty.
	Username string `json:"username"`
	Password string `json:"password"`

	// RequireTLS: use STARTTLS and fail if the relay doesn't support it.
	RequireTLS bool `json:"require_tls"`
}

// AttemptConfig configures the attempt store.
type AttemptConfig struct {
	// Threshold: failures after which a client is blocked; default 10.
	Threshold uint `json:"threshold"`

	// BlockDuration: how long a block lasts; default 1h.
	BlockDuration Duration `json:"block_duration"`

	// File to store attempts in; kept in memory if empty.
	File string `json:"file"`

	// HashKeys stores a hash of the client identifier instead of the
	// identifier.
	HashKeys bool `json:"hash_keys"`
}

// Config holds the complete configuration.
type Config struct {
	// Port to connect to on the user's mail host; default 587.
	Port string `json:"port"`

	// RequireTLS: use STARTTLS before AUTH on the user's mail host; default
	// true.
	RequireTLS *bool `json:"require_tls"`

	// Timeout for connecting and for every read and write; default 30s.
	Timeout Duration `json:"timeout"`

	// ResolveTimeout: how long to wait on every candidate host; default 5s.
	ResolveTimeout Duration `json:"resolve_timeout"`

	// LocalName to send in EHLO; default is the hostname.
	LocalName string `json:"local_name"`

	// MinPasswordLength: shorter passwords are rejected without contacting
	// any server; default 6.
	MinPasswordLength int `json:"min_password_length"`

	// NotifyTo gets a notice for every checked login; no notices if empty.
	NotifyTo string `json:"notify_to"`

	// From address for notices.
	From string `json:"from"`

	// Providers overrides the built-in domain to host table.
	Providers map[string]string `json:"providers"`

	Relay    RelayConfig   `json:"relay"`
	Attempts AttemptConfig `json:"attempts"`
}

// InitDefault validates configuration and sets defaults.
func (c *Config) InitDefault() error {
	const op = errors.Op("mailauth_config_init_default")

	if c.Port == "" {
		c.Port = "587"
	}
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return errors.E(op, errors.Errorf("invalid port: %q", c.Port))
	}
	if c.RequireTLS == nil {
		t := true
		c.RequireTLS = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = Duration(5 * time.Second)
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 6
	}

	if c.Attempts.Threshold == 0 {
		c.Attempts.Threshold = 10
	}
	if c.Attempts.BlockDuration <= 0 {
		c.Attempts.BlockDuration = Duration(time.Hour)
	}

	if c.Relay.Port == "" {
		c.Relay.Port = "587"
	}

	if c.NotifyTo != "" {
		if _, err := mail.ParseAddress(c.NotifyTo); err != nil {
			return errors.E(op, errors.Errorf("invalid notify_to: %s", err))
		}
		if c.From == "" {
			return errors.E(op, errors.Str("notify_to is set but from is empty"))
		}
		if c.Relay.Host == "" {
			return errors.E(op, errors.Str("notify_to is set but relay.host is empty"))
		}
	}
	if c.From != "" {
		if _, err := mail.ParseAddress(c.From); err != nil {
			return errors.E(op, errors.Errorf("invalid from: %s", err))
		}
	}
	return nil
}

// Load reads the configuration from a JSON file and sets defaults.
func Load(path string) (*Config, error) {
	const op = errors.Op("mailauth_config_load")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.E(op, errors.Errorf("parsing %s: %s", path, err))
	}
	if err := c.InitDefault(); err != nil {
		return nil, errors.E(op, err)
	}
	return &c, nil
}
