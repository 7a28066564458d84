// Package types provides common type definitions for the wallet cluster engine.
package types

// JobStatus represents the lifecycle state of a batch clustering job
type JobStatus string

const (
	// JobStatusPending represents a job accepted but not yet started
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing represents a job whose wallets are being profiled
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted represents a job whose results are available
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job aborted by an orchestration error or timeout
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled represents a job stopped by the caller
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen from this status
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Depth controls how far counterparty-sharing expansion reaches during bucketing
type Depth string

const (
	// DepthShallow compares fingerprints only
	DepthShallow Depth = "shallow"
	// DepthMedium also considers direct counterparty-sharing neighbours
	DepthMedium Depth = "medium"
	// DepthDeep considers neighbours of neighbours
	DepthDeep Depth = "deep"
)

// Valid reports whether d is a known depth
func (d Depth) Valid() bool {
	switch d {
	case DepthShallow, DepthMedium, DepthDeep:
		return true
	default:
		return false
	}
}

// RiskLevel is the reporting bucket for a risk score
type RiskLevel string

const (
	// RiskLow covers scores 0-29
	RiskLow RiskLevel = "low"
	// RiskMedium covers scores 30-69
	RiskMedium RiskLevel = "medium"
	// RiskHigh covers scores 70-100
	RiskHigh RiskLevel = "high"
)

// RiskLevelForScore maps a 0-100 score onto the platform-wide security bands
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Severity grades an individual risk factor
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// EventType identifies a job stream event
type EventType string

const (
	// EventProgress is emitted as wallets finish profiling
	EventProgress EventType = "progress"
	// EventCompleted is the terminal success event
	EventCompleted EventType = "completed"
	// EventError is the terminal failure or cancellation event
	EventError EventType = "error"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// TransactionRecord is one observed transaction for a wallet, as supplied by the
// ingestion collaborator. Value and GasPrice are decimal wei strings.
type TransactionRecord struct {
	Hash                string `json:"hash"`
	From                string `json:"from"`
	To                  string `json:"to"`
	Value               string `json:"value"`
	GasPrice            string `json:"gas_price"`
	Timestamp           int64  `json:"timestamp"` // Unix seconds
	CounterpartContract string `json:"counterpart_contract,omitempty"`
	CounterpartToken    string `json:"counterpart_token,omitempty"`
	IsContract          bool   `json:"is_contract"`
}
