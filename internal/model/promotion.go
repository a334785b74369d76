package model

import "time"

// Promotion marks a production model version as the one serving
// predictions. Promotions are append-only; the newest one is current and
// rolling back means promoting an older version again.
type Promotion struct {
	ID         string    `json:"id"`
	VersionID  string    `json:"version_id"`
	Mode       string    `json:"mode"`
	Note       string    `json:"note,omitempty"`
	PromotedAt time.Time `json:"promoted_at"`
}
