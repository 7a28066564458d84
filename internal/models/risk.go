package models

import "github.com/wallet-cluster-engine/internal/types"

// Risk factor categories
const (
	CategoryClusterSize          = "cluster_size"
	CategoryBehavioralSimilarity = "behavioral_similarity"
	CategoryTemporalCorrelation  = "temporal_correlation"
	CategoryAddressPattern       = "address_pattern"
)

// RiskFactor is one human-readable contributor to a cluster's risk score
type RiskFactor struct {
	Category    string         `json:"category"`
	Severity    types.Severity `json:"severity"`
	Value       float64        `json:"value"`
	Description string         `json:"description"`
}

// RiskAssessment is attached to a cluster and recomputed whenever its membership changes
type RiskAssessment struct {
	RiskScore      int                `json:"risk_score"`
	RiskLevel      types.RiskLevel    `json:"risk_level"`
	RiskFactors    []RiskFactor       `json:"risk_factors"`
	CategoryScores map[string]float64 `json:"category_scores"`
}
