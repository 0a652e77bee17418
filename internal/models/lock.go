package models

// AppLock is a named lease in the database. Background sweeps take one so
// that only a single instance runs them when several are deployed.
type AppLock struct {
	LockName   string `gorm:"primaryKey;size:255"`
	InstanceID string `gorm:"size:255;not null"`
	AcquiredAt int64  `gorm:"not null;index"`
	ExpiresAt  int64  `gorm:"not null;index"`
}

// TableName specifies the table name for GORM
func (AppLock) TableName() string {
	return "app_locks"
}

// All returns every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Asset{},
		&Merchant{},
		&MasterWallet{},
		&PaymentAddress{},
		&Invoice{},
		&ChainTransaction{},
		&MerchantWallet{},
		&WebhookDelivery{},
		&WebhookAttempt{},
		&AppLock{},
	}
}
