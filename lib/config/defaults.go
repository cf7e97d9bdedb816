package config

import (
	"time"

	"github.com/go-i2p/logger"
)

// ConfigDefaults contains all default configuration values for the tunnel core.
type ConfigDefaults struct {
	// Tunnel defaults
	Tunnel TunnelDefaults

	// Congestion advertisement defaults (Prop 162)
	Congestion CongestionDefaults
}

// TunnelDefaults contains default values for tunnel management
type TunnelDefaults struct {
	// MinPoolSize is minimum tunnels to maintain per pool
	// Default: 4 tunnels
	MinPoolSize int

	// MaxPoolSize is maximum tunnels to maintain per pool
	// Default: 6 tunnels
	MaxPoolSize int

	// TunnelLength is hops per tunnel
	// Default: 3 hops (I2P protocol standard)
	TunnelLength int

	// TunnelLifetime is how long tunnels stay active
	// Default: 10 minutes (I2P protocol standard)
	TunnelLifetime time.Duration

	// TunnelTestInterval is how often to test tunnel health
	// Default: 60 seconds
	TunnelTestInterval time.Duration

	// TunnelTestTimeout is maximum time to wait for test response
	// Default: 5 seconds
	TunnelTestTimeout time.Duration

	// BuildTimeout is maximum time to wait for tunnel build
	// Default: 90 seconds (I2P protocol standard)
	BuildTimeout time.Duration

	// BuildRetries is maximum attempts to build a tunnel
	// Default: 3 attempts
	BuildRetries int

	// ReplaceBeforeExpiration is when to build replacement tunnel
	// Default: 2 minutes before expiration
	ReplaceBeforeExpiration time.Duration

	// MaintenanceInterval is how often to run pool maintenance
	// Default: 30 seconds
	MaintenanceInterval time.Duration

	// === Participating Tunnel Limits ===
	// These settings protect against resource exhaustion attacks

	// MaxParticipatingTunnels is the hard limit on tunnels where we act as intermediate hop
	// Default: 15000 (reasonable for typical hardware)
	MaxParticipatingTunnels int

	// ParticipatingLimitsEnabled enables global participating tunnel limits
	// Default: true
	ParticipatingLimitsEnabled bool

	// PerSourceRateLimitEnabled enables per-source tunnel build request rate limiting
	// Default: true
	PerSourceRateLimitEnabled bool

	// MaxBuildRequestsPerMinute is the maximum tunnel build requests per source per minute
	// Default: 10 (legitimate routers rarely request >5/min)
	MaxBuildRequestsPerMinute int

	// BuildRequestBurstSize is the burst allowance for tunnel build requests
	// Default: 3 (allows small bursts for tunnel rebuilds)
	BuildRequestBurstSize int

	// SourceBanDuration is how long to ban sources that exceed rate limits
	// Default: 5 minutes
	SourceBanDuration time.Duration
}

// SoftLimitParticipatingTunnels returns 50% of MaxParticipatingTunnels.
// The soft limit is always derived, not independently configured.
// Probabilistic rejection starts at the soft limit and increases toward 100%
// as we approach the hard limit.
func (t TunnelDefaults) SoftLimitParticipatingTunnels() int {
	return t.MaxParticipatingTunnels / 2
}

// Defaults returns a ConfigDefaults instance with all default values set.
// This is the single source of truth for all configuration defaults.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Tunnel:     buildTunnelDefaults(),
		Congestion: buildCongestionDefaults(),
	}
}

// buildTunnelDefaults creates default tunnel configuration values.
func buildTunnelDefaults() TunnelDefaults {
	return TunnelDefaults{
		MinPoolSize:             4,
		MaxPoolSize:             6,
		TunnelLength:            3,
		TunnelLifetime:          10 * time.Minute,
		TunnelTestInterval:      60 * time.Second,
		TunnelTestTimeout:       5 * time.Second,
		BuildTimeout:            90 * time.Second,
		BuildRetries:            3,
		ReplaceBeforeExpiration: 2 * time.Minute,
		MaintenanceInterval:     30 * time.Second,
		// Participating tunnel limits (resource exhaustion protection)
		MaxParticipatingTunnels:    15000,
		ParticipatingLimitsEnabled: true,
		PerSourceRateLimitEnabled:  true,
		MaxBuildRequestsPerMinute:  10,
		BuildRequestBurstSize:      3,
		SourceBanDuration:          5 * time.Minute,
	}
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "ValidateConfigDefaults",
		"reason": "verification_requested",
	}).Debug("validating configuration defaults")
	return runConfigValidators(cfg)
}

// runConfigValidators executes all configuration validators in sequence.
// Returns the first error encountered or nil if all validations pass.
func runConfigValidators(cfg ConfigDefaults) error {
	validators := []func() error{
		func() error { return validateTunnel(cfg.Tunnel) },
		func() error { return validateCongestion(cfg.Congestion) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "ValidateConfigDefaults",
		"reason": "all_validators_passed",
	}).Info("all configuration validations passed successfully")
	return nil
}

// validateTunnel validates tunnel pool and build configuration settings.
func validateTunnel(tunnel TunnelDefaults) error {
	if err := validateTunnelPoolSettings(tunnel); err != nil {
		return err
	}
	if err := validateTunnelBuildSettings(tunnel); err != nil {
		return err
	}
	if err := validateParticipatingLimits(tunnel); err != nil {
		return err
	}
	return validateRateLimitSettings(tunnel)
}

func validateTunnelPoolSettings(tunnel TunnelDefaults) error {
	if tunnel.MinPoolSize < 1 {
		return newValidationError("Tunnel.MinPoolSize must be at least 1")
	}
	if tunnel.MaxPoolSize < tunnel.MinPoolSize {
		return newValidationError("Tunnel.MaxPoolSize must be >= Tunnel.MinPoolSize")
	}
	if tunnel.TunnelLength < 1 || tunnel.TunnelLength > 8 {
		return newValidationError("Tunnel.TunnelLength must be between 1 and 8 hops")
	}
	return nil
}

func validateTunnelBuildSettings(tunnel TunnelDefaults) error {
	if tunnel.BuildRetries < 1 {
		return newValidationError("Tunnel.BuildRetries must be at least 1")
	}
	if tunnel.BuildTimeout < 1*time.Second {
		return newValidationError("Tunnel.BuildTimeout must be at least 1 second")
	}
	if tunnel.TunnelLifetime < 1*time.Minute {
		return newValidationError("Tunnel.TunnelLifetime must be at least 1 minute")
	}
	return nil
}

func validateParticipatingLimits(tunnel TunnelDefaults) error {
	if tunnel.ParticipatingLimitsEnabled && tunnel.MaxParticipatingTunnels < 1 {
		return newValidationError("Tunnel.MaxParticipatingTunnels must be at least 1 when limits are enabled")
	}
	return nil
}

func validateRateLimitSettings(tunnel TunnelDefaults) error {
	if !tunnel.PerSourceRateLimitEnabled {
		return nil
	}
	if tunnel.MaxBuildRequestsPerMinute < 1 {
		return newValidationError("Tunnel.MaxBuildRequestsPerMinute must be at least 1 when rate limiting is enabled")
	}
	if tunnel.BuildRequestBurstSize < 1 {
		return newValidationError("Tunnel.BuildRequestBurstSize must be at least 1 when rate limiting is enabled")
	}
	if tunnel.SourceBanDuration < 1*time.Second {
		return newValidationError("Tunnel.SourceBanDuration must be at least 1 second")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
