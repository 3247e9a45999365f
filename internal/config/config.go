package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrNoUsers is returned when a configuration defines no users.
var ErrNoUsers = errors.New("config: no users defined")

// Config holds all bouncer configuration
type Config struct {
	DataDir        string        `yaml:"data_dir" toml:"data_dir" env:"RBOUNCE_DATA_DIR"`
	Listen         []string      `yaml:"listen" toml:"listen" env:"RBOUNCE_LISTEN" validate:"dive,hostname_port"`
	TLS            TLS           `yaml:"tls" toml:"tls"`
	Log            Log           `yaml:"log" toml:"log"`
	MetricsListen  string        `yaml:"metrics_listen" toml:"metrics_listen" env:"RBOUNCE_METRICS_LISTEN" validate:"omitempty,hostname_port"`
	MaxBufferSize  int           `yaml:"max_buffer_size" toml:"max_buffer_size" env:"RBOUNCE_MAX_BUFFER_SIZE" validate:"gte=0"`
	ConnectDelay   time.Duration `yaml:"connect_delay" toml:"connect_delay" env:"RBOUNCE_CONNECT_DELAY" validate:"gte=0"`
	ServerThrottle time.Duration `yaml:"server_throttle" toml:"server_throttle" env:"RBOUNCE_SERVER_THROTTLE" validate:"gte=0"`
	AnonIPLimit    int           `yaml:"anon_ip_limit" toml:"anon_ip_limit" env:"RBOUNCE_ANON_IP_LIMIT" validate:"gte=0"`
	Resolver       Resolver      `yaml:"resolver" toml:"resolver"`
	FlushInterval  time.Duration `yaml:"flush_interval" toml:"flush_interval" env:"RBOUNCE_FLUSH_INTERVAL" validate:"gte=0"`
	Users          []User        `yaml:"users" toml:"users" validate:"dive"`
}

// TLS names the listener certificate. Both fields empty means plain TCP.
type TLS struct {
	Cert string `yaml:"cert" toml:"cert" env:"RBOUNCE_TLS_CERT" validate:"required_with=Key"`
	Key  string `yaml:"key" toml:"key" env:"RBOUNCE_TLS_KEY" validate:"required_with=Cert"`
}

// Enabled reports whether the listeners should speak TLS.
func (t TLS) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

type Log struct {
	Level  string `yaml:"level" toml:"level" env:"RBOUNCE_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" env:"RBOUNCE_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

type Resolver struct {
	MaxIdle    int `yaml:"max_idle" toml:"max_idle" env:"RBOUNCE_RESOLVER_MAX_IDLE" validate:"gte=0"`
	MaxWorkers int `yaml:"max_workers" toml:"max_workers" env:"RBOUNCE_RESOLVER_MAX_WORKERS" validate:"gte=0"`
}

// User is one bouncer account.
type User struct {
	Name                 string    `yaml:"name" toml:"name" validate:"required,excludesall=/@: "`
	Password             string    `yaml:"password" toml:"password" validate:"required,startswith=$2"`
	Nick                 string    `yaml:"nick" toml:"nick"`
	AltNick              string    `yaml:"alt_nick" toml:"alt_nick"`
	Ident                string    `yaml:"ident" toml:"ident"`
	Realname             string    `yaml:"realname" toml:"realname"`
	BufferSize           int       `yaml:"buffer_size" toml:"buffer_size" validate:"gte=0"`
	AutoClearChanBuffer  *bool     `yaml:"auto_clear_chan_buffer" toml:"auto_clear_chan_buffer"`
	AutoClearQueryBuffer *bool     `yaml:"auto_clear_query_buffer" toml:"auto_clear_query_buffer"`
	MultiClients         *bool     `yaml:"multi_clients" toml:"multi_clients"`
	TimestampFormat      string    `yaml:"timestamp_format" toml:"timestamp_format"`
	JoinTries            int       `yaml:"join_tries" toml:"join_tries" validate:"gte=0"`
	MaxQueryBuffers      int       `yaml:"max_query_buffers" toml:"max_query_buffers" validate:"gte=0"`
	Networks             []Network `yaml:"networks" toml:"networks" validate:"dive"`
}

// Network is one upstream IRC network of a user.
type Network struct {
	Name       string        `yaml:"name" toml:"name" validate:"required,excludesall=/@: "`
	Servers    []Server      `yaml:"servers" toml:"servers" validate:"dive"`
	Nick       string        `yaml:"nick" toml:"nick"`
	AltNick    string        `yaml:"alt_nick" toml:"alt_nick"`
	Ident      string        `yaml:"ident" toml:"ident"`
	Realname   string        `yaml:"realname" toml:"realname"`
	Channels   []Channel     `yaml:"channels" toml:"channels" validate:"dive"`
	FloodRate  *float64      `yaml:"flood_rate" toml:"flood_rate"`
	FloodBurst int           `yaml:"flood_burst" toml:"flood_burst" validate:"gte=0"`
	JoinDelay  time.Duration `yaml:"join_delay" toml:"join_delay" validate:"gte=0"`
	Encoding   string        `yaml:"encoding" toml:"encoding"`
	SASL       SASL          `yaml:"sasl" toml:"sasl"`
	Connect    *bool         `yaml:"connect" toml:"connect"`
}

type Server struct {
	Host     string `yaml:"host" toml:"host" validate:"required"`
	Port     int    `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	TLS      bool   `yaml:"tls" toml:"tls"`
	Password string `yaml:"password" toml:"password"`
}

// Address returns host:port, defaulting the port from the TLS flag.
func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 6667
		if s.TLS {
			port = 6697
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

type Channel struct {
	Name            string `yaml:"name" toml:"name" validate:"required"`
	Key             string `yaml:"key" toml:"key"`
	Detached        bool   `yaml:"detached" toml:"detached"`
	BufferSize      int    `yaml:"buffer_size" toml:"buffer_size" validate:"gte=0"`
	AutoClearBuffer *bool  `yaml:"auto_clear_buffer" toml:"auto_clear_buffer"`
}

type SASL struct {
	Mechanisms []string `yaml:"mechanisms" toml:"mechanisms" validate:"dive,oneof=PLAIN EXTERNAL"`
	Username   string   `yaml:"username" toml:"username"`
	Password   string   `yaml:"password" toml:"password"`
	Require    bool     `yaml:"require" toml:"require"`
}

// Load reads and parses a YAML or TOML configuration file, applies
// RBOUNCE_* environment overrides, fills in defaults and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(reflect.ValueOf(&cfg).Elem()); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if len(c.Listen) == 0 {
		c.Listen = []string{":6667"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 500
	}
	if c.ConnectDelay == 0 {
		c.ConnectDelay = 5 * time.Second
	}
	if c.ServerThrottle == 0 {
		c.ServerThrottle = 30 * time.Second
	}
	if c.AnonIPLimit == 0 {
		c.AnonIPLimit = 10
	}
	if c.Resolver.MaxIdle == 0 {
		c.Resolver.MaxIdle = 5
	}
	if c.Resolver.MaxWorkers == 0 {
		c.Resolver.MaxWorkers = 20
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 60 * time.Second
	}

	for i := range c.Users {
		u := &c.Users[i]
		if u.Nick == "" {
			u.Nick = u.Name
		}
		if u.AltNick == "" {
			u.AltNick = u.Nick + "_"
		}
		if u.Ident == "" {
			u.Ident = u.Name
		}
		if u.Realname == "" {
			u.Realname = u.Nick
		}
		if u.BufferSize == 0 {
			u.BufferSize = 50
		}
		if u.TimestampFormat == "" {
			u.TimestampFormat = "[15:04:05]"
		}
		if u.JoinTries == 0 {
			u.JoinTries = 10
		}
		if u.MaxQueryBuffers == 0 {
			u.MaxQueryBuffers = 50
		}
		for j := range u.Networks {
			n := &u.Networks[j]
			if n.FloodRate == nil {
				rate := 1.0
				n.FloodRate = &rate
			}
			if n.FloodBurst == 0 {
				n.FloodBurst = 4
			}
			if len(n.SASL.Mechanisms) == 0 && n.SASL.Password != "" {
				n.SASL.Mechanisms = []string{"PLAIN"}
			}
		}
	}
}

// Validate checks struct constraints, user uniqueness and password hashes.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return ErrNoUsers
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MaxBufferSize > 0 {
		for _, u := range c.Users {
			if u.BufferSize > c.MaxBufferSize {
				return fmt.Errorf("invalid config: user %q buffer_size %d exceeds max_buffer_size %d", u.Name, u.BufferSize, c.MaxBufferSize)
			}
		}
	}

	seen := make(map[string]bool)
	for _, u := range c.Users {
		if seen[u.Name] {
			return fmt.Errorf("invalid config: duplicate user %q", u.Name)
		}
		seen[u.Name] = true
		if _, err := bcrypt.Cost([]byte(u.Password)); err != nil {
			return fmt.Errorf("invalid config: user %q password is not a bcrypt hash: %w", u.Name, err)
		}
		nets := make(map[string]bool)
		for _, n := range u.Networks {
			key := strings.ToLower(n.Name)
			if nets[key] {
				return fmt.Errorf("invalid config: user %q has duplicate network %q", u.Name, n.Name)
			}
			nets[key] = true
		}
	}
	return nil
}

// FindUser returns the named user, or nil.
func (c *Config) FindUser(name string) *User {
	for i := range c.Users {
		if c.Users[i].Name == name {
			return &c.Users[i]
		}
	}
	return nil
}

// CheckPassword compares a plaintext password against the user's hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) == nil
}

func (u *User) ChanAutoClear() bool  { return boolOr(u.AutoClearChanBuffer, true) }
func (u *User) QueryAutoClear() bool { return boolOr(u.AutoClearQueryBuffer, true) }
func (u *User) MultiClientsOn() bool { return boolOr(u.MultiClients, true) }

// ConnectEnabled reports whether the network should be connected at startup.
func (n *Network) ConnectEnabled() bool { return boolOr(n.Connect, true) }

// Rate returns the flood rate in lines per second. Negative disables
// flood protection.
func (n *Network) Rate() float64 {
	if n.FloodRate == nil {
		return 1
	}
	return *n.FloodRate
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// HashPassword returns a bcrypt hash suitable for the password field.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// applyEnvOverrides walks the struct and replaces every field carrying an
// env tag whose variable is set.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		fv := v.Field(i)
		name := field.Tag.Get("env")
		if name == "" {
			if fv.Kind() == reflect.Struct {
				if err := applyEnvOverrides(fv); err != nil {
					return err
				}
			}
			continue
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setFromEnv(fv, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
	return nil
}

func setFromEnv(fv reflect.Value, value string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(fv.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				slice = reflect.Append(slice, reflect.ValueOf(p))
			}
		}
		fv.Set(slice)
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}
