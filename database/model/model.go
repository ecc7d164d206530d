package model

// SubscriptionStatus is the owner-level subscription state.
type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Notification kinds. The durable notification log keys dedup on these.
const (
	NotifyTrialExpires2h      = "trial_expires_2h"
	NotifyTrialExpires1h      = "trial_expires_1h"
	NotifyTrialExpired        = "trial_expired"
	NotifyTrialTrafficWarning = "trial_traffic_warning"
	NotifySubExpires3d        = "subscription_expires_3d"
	NotifySubExpires1d        = "subscription_expires_1d"
	NotifySubExpired          = "subscription_expired"
)

// Owner is the subscription holder credentials belong to.
type Owner struct {
	Id         int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	TelegramId string `json:"telegramId" gorm:"uniqueIndex"`
	Username   string `json:"username"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	IsBlocked  bool   `json:"isBlocked"`

	Status SubscriptionStatus `json:"status" gorm:"index;default:trial"`

	// Trial window. TrialEndsAt is epoch millis, zero when no trial ran.
	TrialEndsAt       int64 `json:"trialEndsAt"`
	TrialTrafficLimit int64 `json:"trialTrafficLimit"`
	TrialTrafficUsed  int64 `json:"trialTrafficUsed"`
	TrafficSyncedAt   int64 `json:"trafficSyncedAt"`

	// Paid window, epoch millis, zero unless status is/was active.
	SubEndsAt int64 `json:"subEndsAt"`

	CreatedAt int64 `json:"createdAt" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updatedAt" gorm:"autoUpdateTime:milli"`
}

// Credential is an issued engine identity. Rows are soft-deleted
// (Enable=false) to preserve traffic history; the only sanctioned
// reactivation path is the subscription extend flow.
type Credential struct {
	Id      int64 `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerId int64 `json:"ownerId" gorm:"index"`

	Email      string `json:"email" gorm:"uniqueIndex"` // engine-facing identity
	Uuid       string `json:"uuid"`                     // secret token
	Flow       string `json:"flow"`
	Remark     string `json:"remark"`
	InboundTag string `json:"inboundTag"`
	Port       int    `json:"port"`
	Security   string `json:"security"`
	Link       string `json:"link"`
	RawParams  string `json:"rawParams"` // link parameters as JSON, for debugging

	Enable     bool  `json:"enable" gorm:"index"`
	ExpiryTime int64 `json:"expiryTime"` // epoch millis

	CreatedAt int64 `json:"createdAt" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updatedAt" gorm:"autoUpdateTime:milli"`
}

// ClientTraffic holds cumulative counters per credential.
type ClientTraffic struct {
	Id           int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	CredentialId int64  `json:"credentialId" gorm:"uniqueIndex"`
	Email        string `json:"email" gorm:"index"`
	Up           int64  `json:"up"`
	Down         int64  `json:"down"`
	Total        int64  `json:"total"`
	LastReset    int64  `json:"lastReset"`
	LastSync     int64  `json:"lastSync"`
}

// TrafficSnapshot is one row of the bounded per-credential history.
type TrafficSnapshot struct {
	Id           int64 `json:"id" gorm:"primaryKey;autoIncrement"`
	CredentialId int64 `json:"credentialId" gorm:"index"`
	Up           int64 `json:"up"`
	Down         int64 `json:"down"`
	TakenAt      int64 `json:"takenAt"`
}

// Notification is the durable delivery log used for reminder dedup.
type Notification struct {
	Id       int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerId  int64  `json:"ownerId" gorm:"index"`
	Kind     string `json:"kind" gorm:"index"`
	SentAt   int64  `json:"sentAt"`
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
}
