// Package config exposes process configuration sourced from the environment,
// with optional .env loading and embedded name/version metadata.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

// LoadEnvFile loads a .env file from the working directory if present.
// Variables already set in the environment win.
func LoadEnvFile() {
	_ = godotenv.Load()
}

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("VG_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("VG_DEBUG") == "true"
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("VG_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/veilgate"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("VG_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

// GetXrayConfigPath returns the path of the running engine's JSON config.
func GetXrayConfigPath() string {
	p := os.Getenv("X_CONFIG_PATH")
	if p == "" {
		p = "/usr/local/etc/xray/config.json"
	}
	return p
}

// GetAPIAddr returns the engine control API address (host:port).
func GetAPIAddr() string {
	addr := os.Getenv("X_API_ADDR")
	if addr == "" {
		addr = "127.0.0.1:10085"
	}
	return addr
}

// GetInboundTag returns the inbound tag override. Empty means "first
// inbound with the vless protocol".
func GetInboundTag() string {
	return os.Getenv("X_IN_TAG")
}

// GetPublicHost returns the host clients connect to; required for links.
func GetPublicHost() string {
	return os.Getenv("X_PUBLIC_HOST")
}

// GetPublicKeyOverride returns the REALITY public key used when derivation
// from the configured private key fails.
func GetPublicKeyOverride() string {
	return os.Getenv("X_PBK")
}

func GetDefaultFlow() string {
	flow := os.Getenv("X_DEFAULT_FLOW")
	if flow == "" {
		flow = "xtls-rprx-vision"
	}
	return flow
}

// GetXrayBinaryPath returns the engine binary used for x25519 derivation.
func GetXrayBinaryPath() string {
	p := os.Getenv("X_BINARY")
	if p == "" {
		p = "xray"
	}
	return p
}

// GetDescriptorFiles returns the protobuf descriptor-set files the raw
// protocol backend loads its message schemas from.
func GetDescriptorFiles() []string {
	if v := os.Getenv("X_DESCRIPTOR_FILES"); v != "" {
		return strings.Split(v, ",")
	}
	dir := os.Getenv("X_DESCRIPTOR_DIR")
	if dir == "" {
		dir = "proto"
	}
	names := []string{
		"proxyman_command.protoset",
		"stats_command.protoset",
		"typed_message.protoset",
		"user.protoset",
		"vless_account.protoset",
	}
	files := make([]string, 0, len(names))
	for _, n := range names {
		files = append(files, filepath.Join(dir, n))
	}
	return files
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// GetMaxCredentialsPerOwner limits active credentials per owner.
func GetMaxCredentialsPerOwner() int {
	return envInt("VG_MAX_CREDENTIALS", 3)
}

// GetDefaultValidityDays sets the initial expiry of a new credential.
func GetDefaultValidityDays() int {
	return envInt("VG_VALIDITY_DAYS", 30)
}

// GetTrialDurationHours sets the trial window length.
func GetTrialDurationHours() int {
	return envInt("VG_TRIAL_HOURS", 24)
}

// GetTrialTrafficLimitBytes caps total trial traffic (uplink+downlink).
func GetTrialTrafficLimitBytes() int64 {
	return envInt64("VG_TRIAL_TRAFFIC_LIMIT", 1<<30)
}

// GetTrafficWarnPercent is the trial usage percentage that triggers the
// one-time traffic warning.
func GetTrafficWarnPercent() int {
	return envInt("VG_TRAFFIC_WARN_PERCENT", 80)
}

// GetExpiryCheckSpec is the cron spec of the coarse expiry/reminder cycle.
func GetExpiryCheckSpec() string {
	if v := os.Getenv("VG_EXPIRY_CRON"); v != "" {
		return v
	}
	return "@every 30m"
}

// GetTrafficCheckSpec is the cron spec of the fine traffic-cap cycle.
func GetTrafficCheckSpec() string {
	if v := os.Getenv("VG_TRAFFIC_CRON"); v != "" {
		return v
	}
	return "@every 5m"
}
