// Package policy holds the tunable operating parameters of the gatehouse
// and the subset of them that is published to clients.
package policy

import "time"

// Defaults. Values are deliberately conservative; operators override them
// through flags or the environment.
const (
	DefaultAPIVersion        = "1"
	DefaultSessionTimeout    = 30 * time.Second
	DefaultCaptchaTimeout    = 600 * time.Second
	DefaultMaxDataSize       = 262144
	DefaultRowsPerQuery      = 1000
	DefaultStatsPerQuery     = 50
	DefaultMaxRPM            = 60
	DefaultFreeTokensPerAddr = 3
	DefaultPulsesPerMinute   = 20
	DefaultPulseInterval     = 3 * time.Second
	DefaultTokenFuseWindow   = 30 * time.Second
	DefaultCounterRetries    = 3
	DefaultOperatorWindow    = 600 * time.Second
	DefaultPresenceWindow    = 120 * time.Second
	DefaultCriticalFuseAfter = time.Hour
	DefaultDiagRetention     = 30 * 24 * time.Hour
	DefaultMaxAliasLength    = 32
)

// Config is the complete runtime policy. A zero Config is not usable;
// start from Default and override.
type Config struct {
	// APIVersion is echoed in the published constants.
	APIVersion string

	// SessionTimeout is the idle interval after which a session is
	// considered dormant and swept.
	SessionTimeout time.Duration

	// CaptchaTimeout is the lifetime of an unredeemed admission token.
	CaptchaTimeout time.Duration

	// MaxDataSize caps the encrypted payload accepted on submission.
	MaxDataSize int

	// RowsPerQuery and StatsPerQuery bound list responses.
	RowsPerQuery  int
	StatsPerQuery int

	// MaxRPM is the per-minute request budget applied to addresses and
	// tokens that carry no explicit budget of their own.
	MaxRPM uint64

	// FreeTokensPerAddr limits how many admission tokens a single
	// address may be issued per minute.
	FreeTokensPerAddr uint64

	// PulsesPerMinute and PulseInterval shape the alarm schedule. A T
	// minute alarm run performs PulsesPerMinute*T pulses, self-paced so
	// each pulse gets roughly PulseInterval of wall time.
	PulsesPerMinute int
	PulseInterval   time.Duration

	// TokenFuseWindow is how recently an over-budget token must have
	// been redeemed for a pulse to fuse it.
	TokenFuseWindow time.Duration

	// CounterRetries bounds the retry loop around contended counter
	// increments.
	CounterRetries int

	// OperatorWindow is the validity window of operator proofs.
	OperatorWindow time.Duration

	// PresenceWindow is how recently a role holder must have been seen
	// for the role to count as online.
	PresenceWindow time.Duration

	// CriticalFuseAfter is how long a critical session may be offline
	// before its alarms are fused.
	CriticalFuseAfter time.Duration

	// DiagRetention is how long diagnostic records are kept.
	DiagRetention time.Duration

	// MaxAliasLength caps session alias length after normalization.
	MaxAliasLength int

	// CronPassword guards the scheduler endpoint. Empty disables it.
	CronPassword string `json:"-"`

	// OperatorUser and OperatorPass feed the operator proof digest.
	OperatorUser string `json:"-"`
	OperatorPass string `json:"-"`
}

// Default returns the stock policy.
func Default() Config {
	return Config{
		APIVersion:        DefaultAPIVersion,
		SessionTimeout:    DefaultSessionTimeout,
		CaptchaTimeout:    DefaultCaptchaTimeout,
		MaxDataSize:       DefaultMaxDataSize,
		RowsPerQuery:      DefaultRowsPerQuery,
		StatsPerQuery:     DefaultStatsPerQuery,
		MaxRPM:            DefaultMaxRPM,
		FreeTokensPerAddr: DefaultFreeTokensPerAddr,
		PulsesPerMinute:   DefaultPulsesPerMinute,
		PulseInterval:     DefaultPulseInterval,
		TokenFuseWindow:   DefaultTokenFuseWindow,
		CounterRetries:    DefaultCounterRetries,
		OperatorWindow:    DefaultOperatorWindow,
		PresenceWindow:    DefaultPresenceWindow,
		CriticalFuseAfter: DefaultCriticalFuseAfter,
		DiagRetention:     DefaultDiagRetention,
		MaxAliasLength:    DefaultMaxAliasLength,
	}
}

// Constants is the client-visible subset of the policy, served verbatim
// by the constants endpoint. Durations are published in seconds.
func (c Config) Constants() map[string]any {
	return map[string]any{
		"api_version":     c.APIVersion,
		"session_timeout": int(c.SessionTimeout / time.Second),
		"captcha_timeout": int(c.CaptchaTimeout / time.Second),
		"max_data_size":   c.MaxDataSize,
		"rows_per_query":  c.RowsPerQuery,
		"stats_per_query": c.StatsPerQuery,
		"max_rpm":         c.MaxRPM,
	}
}
