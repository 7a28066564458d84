package models

// ClusterResult is the externally reported view of a cluster
type ClusterResult struct {
	ClusterID           string          `json:"cluster_id"`
	CentroidFingerprint string          `json:"centroid_fingerprint"` // 16 hex digits
	Members             []string        `json:"members"`
	Size                int             `json:"size"`
	Risk                *RiskAssessment `json:"risk,omitempty"`
}

// WalletSnapshot is the cached cluster/risk view for a single address
type WalletSnapshot struct {
	Address     string         `json:"address"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Cluster     *ClusterResult `json:"cluster,omitempty"`
	Unclustered bool           `json:"unclustered"`
	Reason      string         `json:"reason,omitempty"` // set when the wallet could not be profiled
	ComputedAt  int64          `json:"computed_at"`
}
