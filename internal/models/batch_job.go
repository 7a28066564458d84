package models

import (
	"time"

	"github.com/wallet-cluster-engine/internal/types"
)

// BatchJob represents one deduplicated batch clustering request
type BatchJob struct {
	JobID             string            `json:"job_id" db:"job_id"`
	JobKey            string            `json:"job_key" db:"job_key"`
	Status            types.JobStatus   `json:"status" db:"status"`
	Progress          int               `json:"progress" db:"progress"` // 0-100
	Depth             types.Depth       `json:"depth" db:"depth"`
	IncludeRisk       bool              `json:"include_risk" db:"include_risk"`
	ValidAddresses    []string          `json:"valid_addresses" db:"valid_addresses"`
	InvalidAddresses  []string          `json:"invalid_addresses" db:"invalid_addresses"`
	ExcludedAddresses map[string]string `json:"excluded_addresses,omitempty" db:"excluded_addresses"` // address -> reason
	Processed         int               `json:"processed" db:"processed"`
	Total             int               `json:"total" db:"total"`
	Error             *string           `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Results           *JobResults       `json:"results,omitempty" db:"results"`
}

// JobResults is populated only once a job completes
type JobResults struct {
	Clusters    []ClusterResult   `json:"clusters"`
	Unclustered []string          `json:"unclustered"`
	Excluded    map[string]string `json:"excluded,omitempty"`
}

// Clone returns a deep copy safe to hand outside the job store lock
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.ValidAddresses = append([]string(nil), j.ValidAddresses...)
	c.InvalidAddresses = append([]string(nil), j.InvalidAddresses...)
	if j.ExcludedAddresses != nil {
		c.ExcludedAddresses = make(map[string]string, len(j.ExcludedAddresses))
		for k, v := range j.ExcludedAddresses {
			c.ExcludedAddresses[k] = v
		}
	}
	if j.Error != nil {
		msg := *j.Error
		c.Error = &msg
	}
	// Results are immutable once set
	return &c
}
