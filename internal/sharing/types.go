package sharing

// Session is one currently connected subscriber as reported by a NAS
type Session struct {
	SubscriberID    uint   `json:"subscriber_id"`
	Username        string `json:"username"`
	FullName        string `json:"full_name"`
	IPAddress       string `json:"ip_address"`
	MACAddress      string `json:"mac_address"`
	NasID           uint   `json:"nas_id"`
	NasName         string `json:"nas_name"`
	ServiceName     string `json:"service_name"`
	ConnectionCount int    `json:"connection_count"`
	TTLSamples      []int  `json:"ttl_samples"`
}

// DetectionResult is the analysis of one session in one run
type DetectionResult struct {
	SubscriberID    uint           `json:"subscriber_id"`
	Username        string         `json:"username"`
	FullName        string         `json:"full_name"`
	IPAddress       string         `json:"ip_address"`
	MACAddress      string         `json:"mac_address"`
	NasID           uint           `json:"nas_id"`
	NasName         string         `json:"nas_name"`
	ServiceName     string         `json:"service_name"`
	ConnectionCount int            `json:"connection_count"`
	TTLStatus       TTLStatus      `json:"ttl_status"`
	TTLValues       []int          `json:"ttl_values"`
	SuspicionLevel  SuspicionLevel `json:"suspicion_level"`
	ConfidenceScore int            `json:"confidence_score"`
	Reasons         []string       `json:"reasons"`
}

// AggregateStats summarizes one analysis run
type AggregateStats struct {
	TotalOnline     int `json:"total_online"`
	SuspiciousCount int `json:"suspicious_count"`
	HighRiskCount   int `json:"high_risk_count"`
	RouterDetected  int `json:"router_detected"`
	HighConnections int `json:"high_connections"`
}

// ScanType records what triggered a scan
type ScanType string

const (
	ScanManual    ScanType = "manual"
	ScanAutomatic ScanType = "automatic"
)
