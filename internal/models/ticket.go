package models

import "time"

// TicketState is a point-in-time read of a ticket object on the ownership
// ledger. It is immutable per query; the ledger's used flag only ever moves
// from false to true.
type TicketState struct {
	TicketRef    string `json:"ticket_ref"`
	EventBinding string `json:"event_binding"`
	Used         bool   `json:"used"`
	OwnerRef     string `json:"owner_ref"`
	TicketNumber string `json:"ticket_number,omitempty"`
	SeatZone     string `json:"seat_zone,omitempty"`
	SeatNumber   string `json:"seat_number,omitempty"`
	TicketType   string `json:"ticket_type,omitempty"`
}

// MirrorRecord is the advisory local view of a ticket's usage. It is never
// authoritative for an admit decision.
type MirrorRecord struct {
	TicketRef string     `json:"ticket_ref"`
	IsUsed    bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}
