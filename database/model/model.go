// Package model contains the persisted entities of the usage and suspension engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ResellerType string

const (
	ResellerTypeTraffic ResellerType = "traffic"
	ResellerTypeWallet  ResellerType = "wallet"
	ResellerTypePlan    ResellerType = "plan"
)

type ResellerStatus string

const (
	ResellerActive          ResellerStatus = "active"
	ResellerSuspended       ResellerStatus = "suspended"
	ResellerSuspendedWallet ResellerStatus = "suspended_wallet"
)

type PanelType string

const (
	PanelMarzban    PanelType = "marzban"
	PanelMarzneshin PanelType = "marzneshin"
	PanelXUI        PanelType = "xui"
	PanelEylandoo   PanelType = "eylandoo"
)

type ConfigStatus string

const (
	ConfigActive   ConfigStatus = "active"
	ConfigDisabled ConfigStatus = "disabled"
	ConfigExpired  ConfigStatus = "expired"
)

type Reseller struct {
	Id             int            `json:"id" gorm:"primaryKey;autoIncrement"`
	Name           string         `json:"name"`
	Type           ResellerType   `json:"type" gorm:"index"`
	Status         ResellerStatus `json:"status" gorm:"index"`
	PrimaryPanelId int            `json:"primaryPanelId"`

	TrafficTotalBytes  int64      `json:"trafficTotalBytes"`
	TrafficUsedBytes   int64      `json:"trafficUsedBytes"`
	AdminForgivenBytes int64      `json:"adminForgivenBytes"`
	WindowStartsAt     *time.Time `json:"windowStartsAt"`
	WindowEndsAt       *time.Time `json:"windowEndsAt"`

	WalletBalance    decimal.Decimal  `json:"walletBalance" gorm:"type:decimal(20,4);default:0"`
	WalletPricePerGB *decimal.Decimal `json:"walletPricePerGb" gorm:"type:decimal(20,4)"`

	SuspendedAt      *time.Time `json:"suspendedAt"`
	SuspensionReason string     `json:"suspensionReason"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *Reseller) IsSuspended() bool {
	return r.Status == ResellerSuspended || r.Status == ResellerSuspendedWallet
}

type Panel struct {
	Id        int       `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name"`
	PanelType PanelType `json:"panelType"`
	Url       string    `json:"url"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	ApiToken  string    `json:"-"`
	// Extra carries panel specific options, e.g. the marzneshin service ids or the eylandoo node.
	Extra  datatypes.JSONMap `json:"extra"`
	Active bool              `json:"active" gorm:"default:true"`
}

// ResellerPanel assigns a panel to a reseller.
type ResellerPanel struct {
	Id         int `json:"id" gorm:"primaryKey;autoIncrement"`
	ResellerId int `json:"resellerId" gorm:"uniqueIndex:idx_reseller_panel"`
	PanelId    int `json:"panelId" gorm:"uniqueIndex:idx_reseller_panel"`
}

type Config struct {
	Id                int          `json:"id" gorm:"primaryKey;autoIncrement"`
	ResellerId        int          `json:"resellerId" gorm:"index"`
	PanelId           int          `json:"panelId" gorm:"index"`
	PanelType         PanelType    `json:"panelType"`
	PanelUserId       string       `json:"panelUserId"`
	Name              string       `json:"name"`
	Status            ConfigStatus `json:"status" gorm:"index"`
	UsageBytes        int64        `json:"usageBytes"`
	SettledUsageBytes int64        `json:"settledUsageBytes"`
	TrafficLimitBytes int64        `json:"trafficLimitBytes"`

	SuspensionFlags      SuspensionReason `json:"suspensionFlags" gorm:"default:0"`
	DisabledByResellerId *int             `json:"disabledByResellerId"`
	DisabledAt           *time.Time       `json:"disabledAt"`
	// Meta is the legacy attribute bag. Older writers stored suspension markers here with
	// inconsistent encodings; new code only clears them.
	Meta datatypes.JSONMap `json:"meta"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TotalUsageBytes is the usage the reseller is accountable for, including usage settled before a reset.
func (c *Config) TotalUsageBytes() int64 {
	return c.UsageBytes + c.SettledUsageBytes
}

// UsageSnapshot is an append-only billing baseline for wallet resellers.
type UsageSnapshot struct {
	Id                 int             `json:"id" gorm:"primaryKey;autoIncrement"`
	ResellerId         int             `json:"resellerId" gorm:"index:idx_snapshot_reseller_time"`
	MeasuredAt         time.Time       `json:"measuredAt" gorm:"index:idx_snapshot_reseller_time"`
	TotalBytes         int64           `json:"totalBytes"`
	CycleKey           string          `json:"cycleKey"`
	CycleChargeApplied bool            `json:"cycleChargeApplied"`
	DeltaBytes         int64           `json:"deltaBytes"`
	Cost               decimal.Decimal `json:"cost" gorm:"type:decimal(20,4);default:0"`
	Source             string          `json:"source"`
}

type PanelUsageSnapshot struct {
	Id                int       `json:"id" gorm:"primaryKey;autoIncrement"`
	ResellerId        int       `json:"resellerId" gorm:"uniqueIndex:idx_panel_usage"`
	PanelId           int       `json:"panelId" gorm:"uniqueIndex:idx_panel_usage"`
	TotalUsageBytes   int64     `json:"totalUsageBytes"`
	ActiveConfigCount int       `json:"activeConfigCount"`
	CapturedAt        time.Time `json:"capturedAt"`
}

type ConfigEventType string

const (
	EventAutoDisabled     ConfigEventType = "auto_disabled"
	EventAutoEnabled      ConfigEventType = "auto_enabled"
	EventAutoEnableFailed ConfigEventType = "auto_enable_failed"
)

type ConfigEvent struct {
	Id            int             `json:"id" gorm:"primaryKey;autoIncrement"`
	ConfigId      int             `json:"configId" gorm:"index"`
	Event         ConfigEventType `json:"event"`
	Reason        string          `json:"reason"`
	RemoteSuccess bool            `json:"remoteSuccess"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError"`
	RunId         string          `json:"runId"`
	CreatedAt     time.Time       `json:"createdAt" gorm:"index"`
}

type AuditLog struct {
	Id         int       `json:"id" gorm:"primaryKey;autoIncrement"`
	Action     string    `json:"action" gorm:"index"`
	TargetType string    `json:"targetType"`
	TargetId   int       `json:"targetId" gorm:"index"`
	Reason     string    `json:"reason"`
	Meta       string    `json:"meta"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"createdAt" gorm:"index"`
}

type Setting struct {
	Id    int    `json:"id" form:"id" gorm:"primaryKey;autoIncrement"`
	Key   string `json:"key" form:"key" gorm:"uniqueIndex"`
	Value string `json:"value" form:"value"`
}
