package marketdata

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig marks configuration that cannot start a session
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	// EnvPrefix prefixes every environment override, e.g. WSCLIENT_SERVER_HOST
	EnvPrefix = "WSCLIENT"

	DefaultWebSocketPath = "/WebSocket"
	DefaultSubprotocol   = "tr_json2"
	DefaultRefreshMargin = 30 * time.Second
	DefaultStatsInterval = 5 * time.Second
)

// Config holds all configuration of the test client
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Login   LoginConfig   `mapstructure:"login"`
	Request RequestConfig `mapstructure:"request"`
	Run     RunConfig     `mapstructure:"run"`
	Output  OutputConfig  `mapstructure:"output"`

	// Resolved by Validate
	TokenMode   bool         `mapstructure:"-"`
	Items       []string     `mapstructure:"-"`
	DomainItems []DomainItem `mapstructure:"-"`
	Domain      DomainModel  `mapstructure:"-"`
	View        View         `mapstructure:"-"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Path          string `mapstructure:"path"`
	Subprotocol   string `mapstructure:"subprotocol"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

type AuthConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Path          string        `mapstructure:"path"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	ClientSecret  string        `mapstructure:"client_secret"`
	Scope         string        `mapstructure:"scope"`
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
}

type LoginConfig struct {
	AppID    string `mapstructure:"app_id"`
	Position string `mapstructure:"position"`
}

type RequestConfig struct {
	Service        string `mapstructure:"service"`
	Domain         string `mapstructure:"domain"`
	Items          string `mapstructure:"items"` // comma separated
	ItemFile       string `mapstructure:"item_file"`
	DomainItemFile string `mapstructure:"domain_item_file"`
	ViewFIDs       string `mapstructure:"view_fids"`  // comma separated integers
	ViewNames      string `mapstructure:"view_names"` // comma separated
	Snapshot       bool   `mapstructure:"snapshot"`
}

type RunConfig struct {
	AutoExit      bool          `mapstructure:"auto_exit"`
	RunFor        time.Duration `mapstructure:"run_for"` // 0 runs until stopped
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

type OutputConfig struct {
	LogFile      string `mapstructure:"log_file"`
	LogLevel     string `mapstructure:"log_level"`
	DumpReceived bool   `mapstructure:"dump_received"`
	ShowSent     bool   `mapstructure:"show_sent"`
	ShowPingPong bool   `mapstructure:"show_ping_pong"`
	ShowStatus   bool   `mapstructure:"show_status"`
}

// flagBinding maps a command line flag onto a configuration key
type flagBinding struct {
	key       string
	name      string
	shorthand string
	usage     string
}

var flagBindings = []flagBinding{
	{"request.service", "service", "S", "service name to request from"},
	{"server.host", "host", "H", "data server hostname / endpoint"},
	{"server.port", "port", "p", "port of the data server"},
	{"server.tls_skip_verify", "tls-skip-verify", "", "skip TLS certificate verification"},
	{"auth.host", "auth-host", "", "authorization server hostname"},
	{"auth.port", "auth-port", "", "port of the authorization server"},
	{"auth.user", "user", "u", "login user name"},
	{"auth.password", "password", "", "token mode password; enables token authentication"},
	{"auth.client_secret", "client-secret", "", "client secret for the token endpoint"},
	{"auth.scope", "scope", "", "scope requested on password sign-on"},
	{"auth.refresh_margin", "refresh-margin", "", "refresh the token this long before it expires"},
	{"login.position", "position", "", "application position"},
	{"login.app_id", "app-id", "", "application identifier"},
	{"request.items", "items", "", "comma separated list of RICs"},
	{"request.view_fids", "view-fids", "", "comma separated list of field IDs for the view"},
	{"request.view_names", "view-names", "", "comma separated list of field names for the view"},
	{"request.domain", "domain", "", "domain model by number or name: 6/MarketPrice, 7/MarketByOrder, 8/MarketByPrice"},
	{"request.item_file", "item-file", "f", "file of RICs, one per line"},
	{"request.domain_item_file", "domain-item-file", "", "multi domain file of numeric domain|RIC lines, e.g. 7|VOD.L"},
	{"request.snapshot", "snapshot", "t", "snapshot request"},
	{"output.dump_received", "dump", "X", "output received JSON messages"},
	{"output.log_file", "log-file", "l", "redirect output to file"},
	{"output.log_level", "log-level", "", "log level (debug, info, warn, error)"},
	{"run.auto_exit", "auto-exit", "e", "exit once every item has responded"},
	{"run.run_for", "run-for", "", "exit after this duration (0 runs until interrupted)"},
	{"run.stats_interval", "stats-interval", "", "interval between statistics lines"},
	{"output.show_sent", "show-sent", "", "output JSON messages sent to the server"},
	{"output.show_ping_pong", "show-ping-pong", "", "output ping and pong heartbeat messages"},
	{"output.show_status", "show-status", "", "output received status messages"},
}

// LoadConfig reads configuration from command line arguments, environment
// variables, an optional config file and defaults, in that order of
// precedence. A .env file in the working directory is loaded when present.
// The returned configuration has not been validated.
func LoadConfig(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	flags := newFlagSet(v)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	for _, b := range flagBindings {
		if err := v.BindPFlag(b.key, flags.Lookup(b.name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", b.name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, b := range flagBindings {
		if err := v.BindEnv(b.key); err != nil {
			return nil, fmt.Errorf("failed to bind env var for key %s: %w", b.key, err)
		}
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "ads1")
	v.SetDefault("server.port", 15000)
	v.SetDefault("server.path", DefaultWebSocketPath)
	v.SetDefault("server.subprotocol", DefaultSubprotocol)
	v.SetDefault("server.tls_skip_verify", false)

	v.SetDefault("auth.host", "api.edp.thomsonreuters.com")
	v.SetDefault("auth.port", 443)
	v.SetDefault("auth.path", DefaultTokenPath)
	v.SetDefault("auth.user", currentUser())
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.scope", DefaultScope)
	v.SetDefault("auth.refresh_margin", DefaultRefreshMargin)

	v.SetDefault("login.app_id", "256")
	v.SetDefault("login.position", "")

	v.SetDefault("request.service", "")
	v.SetDefault("request.domain", "")
	v.SetDefault("request.items", "")
	v.SetDefault("request.item_file", "")
	v.SetDefault("request.domain_item_file", "")
	v.SetDefault("request.view_fids", "")
	v.SetDefault("request.view_names", "")
	v.SetDefault("request.snapshot", false)

	v.SetDefault("run.auto_exit", false)
	v.SetDefault("run.run_for", time.Duration(0))
	v.SetDefault("run.stats_interval", DefaultStatsInterval)

	v.SetDefault("output.log_file", "")
	v.SetDefault("output.log_level", "info")
	v.SetDefault("output.dump_received", false)
	v.SetDefault("output.show_sent", false)
	v.SetDefault("output.show_ping_pong", false)
	v.SetDefault("output.show_status", false)
}

func newFlagSet(v *viper.Viper) *pflag.FlagSet {
	flags := pflag.NewFlagSet("wstestclient", pflag.ContinueOnError)
	flags.String("config", "", "optional config file (yaml, json, toml, ...)")

	for _, b := range flagBindings {
		switch def := v.Get(b.key).(type) {
		case bool:
			flags.BoolP(b.name, b.shorthand, def, b.usage)
		case int:
			flags.IntP(b.name, b.shorthand, def, b.usage)
		case time.Duration:
			flags.DurationP(b.name, b.shorthand, def, b.usage)
		default:
			flags.StringP(b.name, b.shorthand, fmt.Sprint(def), b.usage)
		}
	}
	return flags
}

// Validate checks option combinations and resolves items, view and domain.
// Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	// A password means token authentication against the authorization server
	if c.Auth.Password != "" {
		if c.Auth.Host == "" || c.Auth.Port == 0 {
			return invalid("token authentication requires the authorization host and port")
		}
		c.TokenMode = true
	}

	if c.Request.ViewFIDs != "" && c.Request.ViewNames != "" {
		return invalid("only one type of view allowed; --view-fids or --view-names")
	}
	view, err := parseView(c.Request.ViewFIDs, c.Request.ViewNames)
	if err != nil {
		return err
	}
	c.View = view

	sources := 0
	for _, s := range []string{c.Request.Items, c.Request.ItemFile, c.Request.DomainItemFile} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources > 1:
		return invalid("only one RIC list specifier allowed; --items, --item-file or --domain-item-file")
	case sources == 0:
		return invalid("must specify some RICs using one of --items, --item-file or --domain-item-file")
	}

	switch {
	case c.Request.Items != "":
		c.Items = ParseItemList(c.Request.Items)
	case c.Request.ItemFile != "":
		if c.Items, err = ReadItemsFile(c.Request.ItemFile); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		if c.DomainItems, err = ReadDomainItemsFile(c.Request.DomainItemFile); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if len(c.Items) == 0 && len(c.DomainItems) == 0 {
		return invalid("was not able to read any RICs from file or command line")
	}

	if c.Run.RunFor > 0 && c.Run.StatsInterval > c.Run.RunFor {
		c.Run.StatsInterval = c.Run.RunFor
	}
	if c.Run.StatsInterval <= 0 {
		c.Run.StatsInterval = DefaultStatsInterval
	}
	if c.Auth.RefreshMargin < 0 {
		return invalid("refresh margin must not be negative")
	}

	c.Domain = ParseDomainModel(c.Request.Domain)

	if c.Run.AutoExit {
		c.Request.Snapshot = true
	}

	if c.Login.Position == "" {
		c.Login.Position = LocalPosition()
	}
	return nil
}

// ServerURL returns the websocket endpoint: wss in token mode, ws otherwise
func (c *Config) ServerURL() string {
	scheme := "ws"
	if c.TokenMode {
		scheme = "wss"
	}
	path := c.Server.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Server.Host, c.Server.Port, path)
}

// TokenURL returns the token endpoint of the authorization server
func (c *Config) TokenURL() string {
	return BuildTokenURL(c.Auth.Host, c.Auth.Port, c.Auth.Path)
}

func parseView(fids, names string) (View, error) {
	var view View
	for _, s := range splitList(fids) {
		id, err := strconv.Atoi(s)
		if err != nil {
			return View{}, fmt.Errorf("%w: view field ID %q is not a number", ErrInvalidConfig, s)
		}
		view.FieldIDs = append(view.FieldIDs, id)
	}
	view.FieldNames = splitList(names)
	return view, nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// LocalPosition returns the first IPv4 address of the local host name,
// falling back to the loopback address.
func LocalPosition() string {
	host, err := os.Hostname()
	if err == nil {
		if addrs, err := net.LookupHost(host); err == nil {
			for _, addr := range addrs {
				if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
					return addr
				}
			}
		}
	}
	return "127.0.0.1"
}
