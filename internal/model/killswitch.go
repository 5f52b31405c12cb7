package model

import "time"

// KillSwitch is an out-of-band halt flag for a scope ("global" or "team:<uuid>").
type KillSwitch struct {
	Scope     string    `json:"scope"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
