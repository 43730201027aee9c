package models

import "time"

// SystemConfig represents a key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	UpdatedAt time.Time
}

// AdminUser is an operator allowed to drive the admin API.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Span is a persisted span definition: which driver serves it, the channel
// range handed to the driver and the tone map loaded at startup.
type Span struct {
	ID        int64
	Name      string
	IOName    string
	TrunkType string // "t1" | "e1" | "fxs" | ... | "none"
	ChanSpec  string // "1-23,24:dq921"
	ChanType  string // default channel type for ranges without a suffix
	ToneMap   string
	InitState string
	Enabled   bool
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToneEntry is one line of a named tone map, e.g. "detect-dial" = "350,440".
type ToneEntry struct {
	ID      int64
	MapName string
	Key     string
	Value   string
}
