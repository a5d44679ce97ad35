package tunnel

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ServerConfig is the parsed configuration for the server side, matching
// SPEC_FULL.md's External Interfaces §6.
type ServerConfig struct {
	InternalDataPort  uint16 `json:"InternalDataPort"`
	AllowedPortRange  string `json:"AllowedPortRange"`
	MaxPortsPerClient uint32 `json:"MaxPortsPerClient"`
	Key               string `json:"Key"`

	// AdminAddr, if non-empty, serves /healthz and /metrics on this address.
	// Not part of the public tunnel protocol; see SPEC_FULL.md DOMAIN STACK.
	AdminAddr string `json:"AdminAddr,omitempty"`

	// MinPort/MaxPort are derived from AllowedPortRange by Validate.
	MinPort int `json:"-"`
	MaxPort int `json:"-"`
}

// DefaultServerConfig mirrors original_source/server.py's built-in defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		InternalDataPort:  5000,
		AllowedPortRange:  "5001-5500",
		MaxPortsPerClient: 5,
		Key:               "07A36AEF1907843",
	}
}

// LoadServerConfig reads a JSON file at path and merges it over the default
// configuration, then validates the result. A missing path leaves defaults
// untouched. Any error here is a configuration error and must be treated as
// fatal at startup per SPEC_FULL.md §7.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading server config %q: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing server config %q: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate parses AllowedPortRange and enforces 1 <= MIN < MAX <= 65535.
func (c *ServerConfig) Validate() error {
	min, max, err := parsePortRange(c.AllowedPortRange)
	if err != nil {
		return err
	}
	c.MinPort, c.MaxPort = min, max
	return nil
}

func parsePortRange(s string) (min, max int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range format: %q", s)
	}
	min, errMin := strconv.Atoi(strings.TrimSpace(parts[0]))
	max, errMax := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errMin != nil || errMax != nil {
		return 0, 0, fmt.Errorf("invalid port range format: %q", s)
	}
	if min < 1 || max > 65535 || min >= max {
		return 0, 0, fmt.Errorf("invalid port range values: %q", s)
	}
	return min, max, nil
}

// IsPortAllowed reports whether port lies within [MinPort, MaxPort].
func (c *ServerConfig) IsPortAllowed(port int) bool {
	return port >= c.MinPort && port <= c.MaxPort
}

// ForwardConfig is one entry of ClientConfig.Forwards.
type ForwardConfig struct {
	ForwardDomain string `json:"forward_domain"`
	ForwardPort   int    `json:"forward_port"`
	TargetPort    int    `json:"target_port"`
	Mode          string `json:"mode"`
}

// ClientConfig is the parsed configuration for the client side.
type ClientConfig struct {
	ServerDomain string          `json:"ServerDomain"`
	ServerPort   uint16          `json:"ServerPort"`
	Key          string          `json:"Key"`
	Forwards     []ForwardConfig `json:"Forwards"`
}

// DefaultClientConfig mirrors original_source/client.py's built-in defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerDomain: "127.0.0.1",
		ServerPort:   5000,
		Key:          "07A36AEF1907843",
		Forwards: []ForwardConfig{
			{ForwardDomain: "127.0.0.1", ForwardPort: 36667, TargetPort: 5002, Mode: "TCP"},
		},
	}
}

// LoadClientConfig reads a JSON file at path and merges it over the default
// configuration, then validates the result.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading client config %q: %w", path, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing client config %q: %w", path, err)
		}
	}
	cfg.Forwards = filterValidForwards(cfg.Forwards)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// filterValidForwards drops entries missing forward_port or target_port,
// matching original_source/client.py's SetupForwards behavior of skipping
// with a warning rather than failing the whole config.
func filterValidForwards(in []ForwardConfig) []ForwardConfig {
	out := make([]ForwardConfig, 0, len(in))
	for i, f := range in {
		if f.ForwardPort == 0 || f.TargetPort == 0 {
			NewLogger("config", LogLevelWarning).WLogf("skipping Forwards entry %d: missing forward_port or target_port", i)
			continue
		}
		if f.ForwardDomain == "" {
			f.ForwardDomain = "127.0.0.1"
		}
		if f.Mode == "" {
			f.Mode = "TCP"
		}
		out = append(out, f)
	}
	return out
}

// Validate rejects configurations where two Forwards share a target_port --
// SPEC_FULL.md's resolution of the "ambiguous forward_response correlation"
// Open Question is to reject such configurations at startup rather than
// leave the correlation unspecified at runtime.
func (c *ClientConfig) Validate() error {
	seen := make(map[int]bool, len(c.Forwards))
	for _, f := range c.Forwards {
		if seen[f.TargetPort] {
			return fmt.Errorf("client config: duplicate target_port %d across Forwards entries", f.TargetPort)
		}
		seen[f.TargetPort] = true
		if !strings.EqualFold(f.Mode, "TCP") {
			return fmt.Errorf("client config: unsupported mode %q for target_port %d", f.Mode, f.TargetPort)
		}
	}
	return nil
}
