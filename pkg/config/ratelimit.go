package config

import "time"

// RateLimitConfig contains the fixed-window limits for two-factor flows.
// The three limiters are independent counters:
//
//   - TwoFactorLogin throttles verification attempts, keyed by pending-login ID
//   - EmailNotify throttles code emails, keyed by pending-login ID
//   - PasskeyLogin throttles passkey-based primary logins, keyed by a
//     normalized username plus client network address
type RateLimitConfig struct {
	TwoFactorLoginLimit  int
	TwoFactorLoginWindow time.Duration

	EmailNotifyLimit  int
	EmailNotifyWindow time.Duration

	PasskeyLoginLimit  int
	PasskeyLoginWindow time.Duration
}

// DefaultRateLimitConfig returns the stock limits: 5 verification attempts
// per minute, 2 code emails per minute, 5 passkey logins per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		TwoFactorLoginLimit:  5,
		TwoFactorLoginWindow: time.Minute,
		EmailNotifyLimit:     2,
		EmailNotifyWindow:    time.Minute,
		PasskeyLoginLimit:    5,
		PasskeyLoginWindow:   time.Minute,
	}
}

// NewRateLimitConfigFromEnv loads RateLimitConfig from standard environment
// variables, falling back to the defaults.
func NewRateLimitConfigFromEnv() RateLimitConfig {
	c := DefaultRateLimitConfig()
	c.TwoFactorLoginLimit = GetEnvInt("RATELIMIT_TWO_FACTOR_LOGIN_LIMIT", c.TwoFactorLoginLimit)
	c.TwoFactorLoginWindow = GetEnvDuration("RATELIMIT_TWO_FACTOR_LOGIN_WINDOW", c.TwoFactorLoginWindow)
	c.EmailNotifyLimit = GetEnvInt("RATELIMIT_EMAIL_NOTIFY_LIMIT", c.EmailNotifyLimit)
	c.EmailNotifyWindow = GetEnvDuration("RATELIMIT_EMAIL_NOTIFY_WINDOW", c.EmailNotifyWindow)
	c.PasskeyLoginLimit = GetEnvInt("RATELIMIT_PASSKEY_LOGIN_LIMIT", c.PasskeyLoginLimit)
	c.PasskeyLoginWindow = GetEnvDuration("RATELIMIT_PASSKEY_LOGIN_WINDOW", c.PasskeyLoginWindow)
	return c
}
