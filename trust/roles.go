package trust

// Role bits. A session may hold any combination; access checks require
// every bit of the wanted set.
const (
	RoleDecoder   uint64 = 1 << 0
	RoleMonitor   uint64 = 1 << 1
	RoleExecutive uint64 = 1 << 2
	RoleEncoder   uint64 = 1 << 3
)

// Flag bits.
const (
	// FlagCritical marks a session whose absence must raise an alarm.
	FlagCritical uint64 = 1 << 0

	// FlagFused silences further alarms for a critical session that
	// has already been reported down.
	FlagFused uint64 = 1 << 1

	// FlagParalyzed forbids mutating operations for the session.
	FlagParalyzed uint64 = 1 << 2
)

// HasRole reports whether held contains every bit of wanted. A zero
// wanted set is satisfied by any session.
func HasRole(held, wanted uint64) bool {
	return held&wanted == wanted
}
