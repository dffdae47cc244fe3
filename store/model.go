// Package store is the embedded transactional store shared by every pipeline
// stage and the batch test engine. It wraps gorm.io/gorm over SQLite the way
// database/db.go wraps it for the teacher's panel, but the schema below is
// this module's own: Link and Slot, per spec §3.
package store

import "time"

// Link is one candidate outbound, "Record" in spec §3. Field names follow
// the teacher's GORM-tag conventions (database/model/model.go): explicit
// column names on most fields, each the same as GORM's default snake_case.
type Link struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	URI         string `gorm:"uniqueIndex;not null" json:"uri"`
	RepairedURI string `gorm:"column:repaired_uri" json:"repaired_uri"`
	ConfigJSON  string `gorm:"column:config_json" json:"config_json"`
	Fingerprint string `gorm:"column:fingerprint;index:idx_links_fingerprint" json:"fingerprint"`
	GroupID     string `gorm:"column:group_id" json:"group_id"`

	IsPrimary     bool `gorm:"column:is_primary;default:false" json:"is_primary"`
	IsInvalid     bool `gorm:"column:is_invalid;default:false" json:"is_invalid"`
	IsUnsupported bool `gorm:"column:is_unsupported;default:false" json:"is_unsupported"`

	OutboundTag string `gorm:"column:outbound_tag" json:"outbound_tag"`
	InboundTag  string `gorm:"column:inbound_tag" json:"inbound_tag"`

	TestStatus    string     `gorm:"column:test_status;default:idle;index:idx_links_test_status" json:"test_status"`
	TestStartedAt *time.Time `gorm:"column:test_started_at" json:"test_started_at"`
	TestLockUntil *time.Time `gorm:"column:test_lock_until;index:idx_links_test_lock_until" json:"test_lock_until"`
	TestLockOwner string     `gorm:"column:test_lock_owner" json:"test_lock_owner"`
	TestBatchID   string     `gorm:"column:test_batch_id;index:idx_links_test_batch_id" json:"test_batch_id"`

	LastTestedAt *time.Time `gorm:"column:last_tested_at" json:"last_tested_at"`
	LastTestOk   bool       `gorm:"column:last_test_ok" json:"last_test_ok"`
	LastTestError string    `gorm:"column:last_test_error" json:"last_test_error"`
	IsAlive       bool      `gorm:"column:is_alive" json:"is_alive"`

	IP         string `gorm:"column:ip" json:"ip"`
	Country    string `gorm:"column:country" json:"country"`
	City       string `gorm:"column:city" json:"city"`
	Datacenter string `gorm:"column:datacenter" json:"datacenter"`

	IsInUse   bool `gorm:"column:is_in_use;default:false" json:"is_in_use"`
	BoundPort int  `gorm:"column:bound_port" json:"bound_port"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name so migrations and raw-SQL helpers agree
// regardless of GORM's pluralization rules.
func (Link) TableName() string { return "links" }

// Slot is one member of the finite per-port test pool, per spec §3.
type Slot struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Port int    `gorm:"uniqueIndex:idx_slots_port;not null" json:"port"`
	Tag  string `gorm:"uniqueIndex:idx_slots_tag;not null" json:"tag"`

	Role string `gorm:"column:role;default:test" json:"role"`

	LinkID      *uint  `gorm:"column:link_id" json:"link_id"`
	OutboundTag string `gorm:"column:outbound_tag" json:"outbound_tag"`
	Status      string `gorm:"column:status;default:new" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Slot) TableName() string { return "slots" }

// Record outcome constants per spec §3 and §4.10.
const (
	TestStatusIdle    = "idle"
	TestStatusRunning = "running"

	SlotStatusNew     = "new"
	SlotStatusRunning = "running"

	SlotRoleTest    = "test"
	SlotRolePrimary = "primary"
)

// SupportedProtocols is the authoritative set for all downstream decisions,
// per spec §4.3: "Supported set is authoritative for all downstream decisions."
var SupportedProtocols = map[string]bool{
	"vmess":       true,
	"vless":       true,
	"trojan":      true,
	"shadowsocks": true,
}
