package session

// Location is the coarse, best-effort geolocation resolved from the source
// IP at session creation. A nil Location means the lookup failed or was
// disabled; that is never an error.
type Location struct {
	Country  string
	Region   string
	City     string
	Timezone string
}

// Flags are the per-session security markers. Each is settable
// independently and, once raised, stays raised for the session's lifetime.
type Flags struct {
	SuspiciousActivity bool
	LocationChange     bool
	DeviceChange       bool
	ConcurrentSessions bool
	UnusualHours       bool
}

// Merge raises every flag set in other.
func (f *Flags) Merge(other Flags) {
	f.SuspiciousActivity = f.SuspiciousActivity || other.SuspiciousActivity
	f.LocationChange = f.LocationChange || other.LocationChange
	f.DeviceChange = f.DeviceChange || other.DeviceChange
	f.ConcurrentSessions = f.ConcurrentSessions || other.ConcurrentSessions
	f.UnusualHours = f.UnusualHours || other.UnusualHours
}

// List returns the names of the raised flags in a fixed order.
func (f Flags) List() []string {
	var out []string
	if f.SuspiciousActivity {
		out = append(out, "suspicious_activity")
	}
	if f.LocationChange {
		out = append(out, "location_change")
	}
	if f.DeviceChange {
		out = append(out, "device_change")
	}
	if f.ConcurrentSessions {
		out = append(out, "concurrent_sessions")
	}
	if f.UnusualHours {
		out = append(out, "unusual_hours")
	}
	return out
}

const (
	flagSuspiciousActivity = 1 << iota
	flagLocationChange
	flagDeviceChange
	flagConcurrentSessions
	flagUnusualHours
)

func (f Flags) bits() byte {
	var b byte
	if f.SuspiciousActivity {
		b |= flagSuspiciousActivity
	}
	if f.LocationChange {
		b |= flagLocationChange
	}
	if f.DeviceChange {
		b |= flagDeviceChange
	}
	if f.ConcurrentSessions {
		b |= flagConcurrentSessions
	}
	if f.UnusualHours {
		b |= flagUnusualHours
	}
	return b
}

func flagsFromBits(b byte) Flags {
	return Flags{
		SuspiciousActivity: b&flagSuspiciousActivity != 0,
		LocationChange:     b&flagLocationChange != 0,
		DeviceChange:       b&flagDeviceChange != 0,
		ConcurrentSessions: b&flagConcurrentSessions != 0,
		UnusualHours:       b&flagUnusualHours != 0,
	}
}

// Session is one authenticated device/browser binding. Timestamps are Unix
// seconds. A session is usable only while it is present in the store and
// ExpiresAt is in the future; deactivation removes it from the store.
type Session struct {
	SessionID   string
	PrincipalID string

	Fingerprint string
	IP          string
	UserAgent   string
	Location    *Location

	Active bool
	Flags  Flags

	CreatedAt    int64
	LastActivity int64
	ExpiresAt    int64
}

// Expired reports whether the session's absolute expiry has passed.
func (s *Session) Expired(nowUnix int64) bool {
	return nowUnix >= s.ExpiresAt
}
