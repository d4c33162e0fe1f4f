package contracts

import "time"

// RiskClass is the declared blast-radius class of an adapter.
type RiskClass string

const (
	RiskClassLow    RiskClass = "low"
	RiskClassMedium RiskClass = "medium"
	RiskClassHigh   RiskClass = "high"
)

// Valid reports whether the class is one of the known values.
func (r RiskClass) Valid() bool {
	return r == RiskClassLow || r == RiskClassMedium || r == RiskClassHigh
}

// Adapter is a registered execution runtime that delegates pre-execution
// authority to the gateway. Created on registration, mutated by
// re-registration, never hard-deleted while decisions reference it.
type Adapter struct {
	TenantID     string    `json:"tenant_id"`
	AdapterID    string    `json:"adapter_id"`
	DisplayName  string    `json:"display_name"`
	RiskClass    RiskClass `json:"risk_class"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
