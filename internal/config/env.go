package config

import (
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv overrides cfg with <prefix>_TTL, _TYPE, _GC_TIME, _GC_START,
// _GC_COUNT, _PRODUCER_TIMEOUT, _PATH, _SOCK and _PID when they are set.
// Setting _SOCK or _PID switches to a shared server.
func ApplyEnv(cfg *Config, prefix string) error {
	get := func(name string) string { return os.Getenv(prefix + "_" + name) }

	if v := get("TTL"); v != "" {
		d, err := ParseTTL(v)
		if err != nil {
			return err
		}
		cfg.TTL = Duration(d)
	}
	cfg.Type = defaultString(get("TYPE"), cfg.Type)
	cfg.Path = defaultString(get("PATH"), cfg.Path)
	if v := get("GC_TIME"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s_GC_TIME: %w", prefix, err)
		}
		cfg.GCTime = &secs
	}
	if v := get("GC_START"); v != "" {
		g, err := ParseGCStart(v)
		if err != nil {
			return err
		}
		cfg.GCStart = &g
	}
	if v := get("GC_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_GC_COUNT: %w", prefix, err)
		}
		cfg.GCCount = n
	}
	if v := get("PRODUCER_TIMEOUT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s_PRODUCER_TIMEOUT: %w", prefix, err)
		}
		cfg.ProducerTimeout = n
	}
	sock, pid := get("SOCK"), get("PID")
	if sock != "" || pid != "" {
		if cfg.SocketServer == nil {
			cfg.SocketServer = &SocketServer{}
		}
		cfg.SocketServer.SocketPath = defaultString(sock, cfg.SocketServer.SocketPath)
		cfg.SocketServer.PIDFilePath = defaultString(pid, cfg.SocketServer.PIDFilePath)
	}
	return nil
}

// FromEnv builds a config from the environment alone.
func FromEnv(prefix string) (*Config, error) {
	var cfg Config
	if err := ApplyEnv(&cfg, prefix); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
