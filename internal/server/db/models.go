package db

import "time"

// Worker is the last verified registration of one caller identity.
type Worker struct {
	Identity     string    `json:"identity"`
	Checksum     string    `json:"checksum"`
	Codehash     string    `json:"codehash"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ApprovedCodehash is one entry of the owner's allow-list.
type ApprovedCodehash struct {
	Codehash   string    `json:"codehash"`
	ApprovedAt time.Time `json:"approved_at"`
}
