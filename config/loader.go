package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadServerConfig reads a YAML config file (if path is non-empty; a
// missing or unreadable file is an error) and overlays environment
// variables prefixed GRIDRPC_, with file values taking precedence over
// defaults and env values over the file. Defaults are applied first so a
// caller only needs to supply the fields they want to change.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := ServerConfig{
		HostAddress:       "0.0.0.0",
		Port:              8443,
		Workers:           3,
		MaxSessions:       1024,
		MaxHandshakeBytes: 16 << 10,
		Mode:              ModePlain,
	}

	v := newViper(path)
	bindEnvKeys(v, "host_address", "port", "workers", "max_sessions", "max_handshake_bytes", "admin_addr")
	if err := bindAndLoad(v, path); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshalling server config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads a YAML config file and overlays GRIDRPC_ env vars.
func LoadClientConfig(path string) (ClientConfig, ClientTimeouts, error) {
	cfg := ClientConfig{
		HostAddress:      "127.0.0.1",
		Port:             8443,
		MaxReadBytes:     4 << 20,
		SendAttempts:     1,
		SendAttemptDelay: 0,
	}
	timeouts := DefaultClientTimeouts()

	v := newViper(path)
	bindEnvKeys(v, "host_address", "port", "max_read_bytes", "send_attempts", "send_attempt_delay",
		"handshake_timeout", "send_timeout", "response_timeout")
	if err := bindAndLoad(v, path); err != nil {
		return cfg, timeouts, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, timeouts, fmt.Errorf("config: unmarshalling client config: %w", err)
	}
	if err := v.Unmarshal(&timeouts); err != nil {
		return cfg, timeouts, fmt.Errorf("config: unmarshalling client timeouts: %w", err)
	}
	return cfg, timeouts, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("GRIDRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// bindEnvKeys registers each key with viper's env lookup (GRIDRPC_<KEY>);
// AutomaticEnv alone does not make Unmarshal see keys the file lacks.
func bindEnvKeys(v *viper.Viper, keys ...string) {
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func bindAndLoad(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	return nil
}
