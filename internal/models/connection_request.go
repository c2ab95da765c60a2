package models

import "time"

// RequestStatus defines the state of a connection request.
type RequestStatus string

const (
	// StatusPending is the only initial state; the addressee has not answered yet.
	StatusPending RequestStatus = "pending"

	// StatusAccepted means both users are now directly connected. Terminal.
	StatusAccepted RequestStatus = "accepted"

	// StatusRejected means the addressee declined. Terminal.
	StatusRejected RequestStatus = "rejected"
)

// CanTransition reports whether a request in status s may move to next.
// Only pending requests move, and only to accepted or rejected.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	return s == StatusPending && (next == StatusAccepted || next == StatusRejected)
}

// Terminal reports whether no further transition is defined out of s.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// ConnectionRequest is a directed request between two users.
// PairLow/PairHigh hold the two ids in sorted order; their unique index
// allows at most one row per unordered pair regardless of direction.
type ConnectionRequest struct {
	ID          uint          `gorm:"primaryKey"`
	RequesterID string        `gorm:"type:varchar(36);not null;index"`
	AddresseeID string        `gorm:"type:varchar(36);not null;index:idx_connection_addressee_status,priority:1"`
	PairLow     string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_connection_pair,priority:1"`
	PairHigh    string        `gorm:"type:varchar(36);not null;uniqueIndex:idx_connection_pair,priority:2"`
	Status      RequestStatus `gorm:"type:varchar(20);not null;index:idx_connection_addressee_status,priority:2"`
	CreatedAt   time.Time     `gorm:"index"`
	RespondedAt *time.Time

	Requester User `gorm:"foreignKey:RequesterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Addressee User `gorm:"foreignKey:AddresseeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

// PairKey returns the canonical (order-independent) key for two user ids.
func PairKey(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Other returns the participant that is not userID.
func (r *ConnectionRequest) Other(userID string) string {
	if r.RequesterID == userID {
		return r.AddresseeID
	}
	return r.RequesterID
}
