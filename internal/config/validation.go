package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// KnownBackends lists the storage backend names accepted in StorageConfig.
var KnownBackends = []string{"memory", "sharedfs", "redis", "sql"}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateMasterConfig(&cfg.Master)
	v.validateWorkerConfig(&cfg.Worker)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateMasterConfig(cfg *MasterConfig) {
	if cfg.Host == "" {
		v.addError("master.host", "host is required")
	}
	validatePort(v, "master.port", cfg.Port)

	if cfg.HandshakeTimeout < 0 {
		v.addError("master.handshake_timeout", "handshake timeout must be non-negative")
	}

	known := make(map[string]bool, len(KnownBackends))
	for _, b := range KnownBackends {
		known[b] = true
	}

	seen := make(map[string]bool, len(cfg.Storages))
	for i, s := range cfg.Storages {
		field := fmt.Sprintf("master.storages[%d]", i)
		if s.Name == "" {
			v.addError(field+".name", "storage name is required")
		} else if seen[s.Name] {
			v.addError(field+".name", fmt.Sprintf("duplicate storage name '%s'", s.Name))
		}
		seen[s.Name] = true

		if !known[s.Backend] {
			v.addError(field+".backend", fmt.Sprintf("invalid backend '%s', must be one of: %s", s.Backend, strings.Join(KnownBackends, ", ")))
		}
	}
}

func (v *Validator) validateWorkerConfig(cfg *WorkerConfig) {
	validatePort(v, "worker.port", cfg.Port)

	if cfg.MasterEndpoint == "" {
		v.addError("worker.master_endpoint", "master endpoint is required")
	} else if !isValidAddress(cfg.MasterEndpoint) {
		v.addError("worker.master_endpoint", "invalid master endpoint format, expected host:port")
	}

	if cfg.CleanupInterval <= 0 {
		v.addError("worker.cleanup_interval", "cleanup interval must be positive")
	} else if cfg.CleanupInterval < time.Second {
		v.addError("worker.cleanup_interval", "cleanup interval should be at least 1 second")
	}

	if cfg.RegisterTimeout < 0 {
		v.addError("worker.register_timeout", "register timeout must be non-negative")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format != "" && !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch cfg.Output {
	case "", "stdout":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required when output includes file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
}

// validatePort accepts 0, which asks the OS for a free port.
func validatePort(v *Validator, field string, port int) {
	if port < 0 || port > 65535 {
		v.addError(field, fmt.Sprintf("port %d out of range", port))
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}

	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return false
	}
	return true
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}

	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}

	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
