package domain

import "time"

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
)

// Patient is owned by the care-plan side of the system; the dispatch core
// only reads it to decide eligibility and to resolve the phone number.
type Patient struct {
	ID                 string             `gorm:"type:uuid;primaryKey" json:"id"`
	Name               string             `gorm:"type:varchar(160);not null" json:"name"`
	PhoneNumber        string             `gorm:"type:varchar(20);not null" json:"phone_number"`
	IsActive           bool               `gorm:"not null;default:true" json:"is_active"`
	VerificationStatus VerificationStatus `gorm:"type:varchar(10);not null;default:'PENDING'" json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          *time.Time         `json:"updated_at"`
}

// Eligible reports whether the patient may receive outbound messages.
func (p *Patient) Eligible() bool {
	return p.IsActive && p.VerificationStatus == VerificationVerified
}
