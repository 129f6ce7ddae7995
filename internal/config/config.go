// Package config resolves the proxy's startup configuration from flags,
// environment variables, and an optional YAML override file, following
// the flag-then-env layering idiom used throughout this codebase's
// ancestry.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/anicolao/mudportal/internal/telnet"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved server configuration.
type Config struct {
	Listen              string
	DefaultHost         string
	DefaultPort         int
	OnlyDefaultHost     bool
	Compress            bool
	Debug               bool
	CertFile            string
	KeyFile             string
	ChatLogPath         string
	ChatHistory         int
	UpstreamIdleTimeout time.Duration
	ConfigFile          string

	Negotiate         telnet.Config
	DefaultTTypeQueue []string
}

func defaults() *Config {
	return &Config{
		Listen:              ":8080",
		DefaultHost:         "",
		DefaultPort:         23,
		ChatLogPath:         "chatlog.json",
		ChatHistory:         300,
		UpstreamIdleTimeout: 10 * time.Minute,
		Negotiate:           telnet.DefaultConfig(),
		DefaultTTypeQueue:   []string{"xterm-256color"},
	}
}

// Parse resolves configuration from command-line flags (args, excluding
// argv[0]) layered with environment variable overrides, matching the
// flag-then-env precedence used elsewhere in this codebase: a flag
// explicitly passed on the command line always wins, otherwise an
// environment variable overrides the built-in default.
func Parse(args []string) (*Config, error) {
	cfg := defaults()
	fs := flag.NewFlagSet("mudportal", flag.ContinueOnError)

	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	fs.StringVar(&cfg.DefaultHost, "default-host", cfg.DefaultHost, "default upstream MUD host")
	fs.IntVar(&cfg.DefaultPort, "default-port", cfg.DefaultPort, "default upstream MUD port")
	fs.BoolVar(&cfg.OnlyDefaultHost, "only-default-host", cfg.OnlyDefaultHost, "refuse connections to any host but default-host")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "opportunistically deflate outbound frames when MCCP is not active")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (enables HTTPS/WSS)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file")
	fs.StringVar(&cfg.ChatLogPath, "chatlog", cfg.ChatLogPath, "path to the persisted chat log")
	fs.IntVar(&cfg.ChatHistory, "chat-history", cfg.ChatHistory, "number of chat entries retained")
	fs.DurationVar(&cfg.UpstreamIdleTimeout, "upstream-idle-timeout", cfg.UpstreamIdleTimeout, "idle timeout for upstream connections")
	fs.StringVar(&cfg.ConfigFile, "config", "", "optional YAML file overriding GMCP/MSDP/TTYPE/MCCP policy")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg, fs)

	if cfg.ConfigFile != "" {
		if err := applyYAMLOverrides(cfg, cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("-cert and -key must both be set or both be empty")
	}

	return cfg, nil
}

// applyEnvOverrides fills in any flag the caller did NOT explicitly pass
// from its PORTAL_* environment variable, if one is set.
func applyEnvOverrides(cfg *Config, fs *flag.FlagSet) {
	passed := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { passed[f.Name] = true })

	if !passed["listen"] {
		if v := os.Getenv("PORTAL_LISTEN"); v != "" {
			cfg.Listen = v
		}
	}
	if !passed["default-host"] {
		if v := os.Getenv("PORTAL_DEFAULT_HOST"); v != "" {
			cfg.DefaultHost = v
		}
	}
	if !passed["default-port"] {
		if v := os.Getenv("PORTAL_DEFAULT_PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				cfg.DefaultPort = p
			}
		}
	}
	if !passed["only-default-host"] {
		if v := os.Getenv("PORTAL_ONLY_DEFAULT_HOST"); v != "" {
			cfg.OnlyDefaultHost = isTruthyEnv(v)
		}
	}
	if !passed["compress"] {
		if v := os.Getenv("PORTAL_COMPRESS"); v != "" {
			cfg.Compress = isTruthyEnv(v)
		}
	}
	if !passed["debug"] {
		if v := os.Getenv("PORTAL_DEBUG"); v != "" {
			cfg.Debug = isTruthyEnv(v)
		}
	}
	if !passed["cert"] {
		if v := os.Getenv("PORTAL_CERT"); v != "" {
			cfg.CertFile = v
		}
	}
	if !passed["key"] {
		if v := os.Getenv("PORTAL_KEY"); v != "" {
			cfg.KeyFile = v
		}
	}
	if !passed["chatlog"] {
		if v := os.Getenv("PORTAL_CHATLOG"); v != "" {
			cfg.ChatLogPath = v
		}
	}
}

func isTruthyEnv(v string) bool {
	return v != "" && v != "0" && v != "false"
}

// yamlMSDPPair is one operator-configured MSDP introduction pair, keyed by
// name so YAML authors don't have to remember positional [2]string order.
type yamlMSDPPair struct {
	Key string `yaml:"key"`
	Val string `yaml:"val"`
}

type yamlPolicy struct {
	GMCPPortal       []string       `yaml:"gmcp_portal"`
	MCCPDelaySeconds *int           `yaml:"mccp_delay_seconds"`
	TTypeQueue       []string       `yaml:"ttype_queue"`
	MSDPIntroPairs   []yamlMSDPPair `yaml:"msdp_intro_pairs"`
}

func applyYAMLOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var p yamlPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if len(p.GMCPPortal) > 0 {
		templates := make([]telnet.GMCPPortalTemplate, len(p.GMCPPortal))
		for i, t := range p.GMCPPortal {
			templates[i] = telnet.GMCPPortalTemplate(t)
		}
		cfg.Negotiate.GMCPPortal = templates
	}
	if p.MCCPDelaySeconds != nil {
		cfg.Negotiate.MCCPDelay = time.Duration(*p.MCCPDelaySeconds) * time.Second
	}
	if len(p.TTypeQueue) > 0 {
		cfg.DefaultTTypeQueue = p.TTypeQueue
	}
	if len(p.MSDPIntroPairs) > 0 {
		pairs := make([][2]string, len(p.MSDPIntroPairs))
		for i, pair := range p.MSDPIntroPairs {
			pairs[i] = [2]string{pair.Key, pair.Val}
		}
		cfg.Negotiate.MSDPStaticPairs = pairs
	}
	return nil
}
