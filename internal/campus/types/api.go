package types

// Request and response shapes exchanged with scanners and portal services.

type IssueRequest struct {
	SubjectID       string `json:"subject_id"`
	ScannerDeviceID string `json:"scanner_device_id,omitempty"`
}

type IssueResponse struct {
	Code         string `json:"code"`
	CredentialID string `json:"credential_id"`
	ExpiresAt    string `json:"expires_at"`
}

type AccessRequest struct {
	Code            string `json:"code"`
	FacilityID      string `json:"facility_id"`
	ScannerDeviceID string `json:"scanner_device_id"`
	Location        string `json:"location,omitempty"`
	RequestedAt     string `json:"requested_at,omitempty"` // optional device timestamp
}

type AccessResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	Granted    bool   `json:"granted"`
	Reason     Reason `json:"reason,omitempty"`
	Message    string `json:"message"`
	FacilityID string `json:"facility_id"`
	ServerTime string `json:"server_time"`
}

type BundleRequest struct {
	ScannerDeviceID string   `json:"scanner_device_id"`
	FacilityScope   []string `json:"facility_scope"`
	TTLSeconds      int      `json:"ttl_s,omitempty"`
}

type HeartbeatRequest struct {
	ScannerDeviceID string `json:"scanner_device_id"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_s,omitempty"`
	BundleID        string `json:"bundle_id,omitempty"`
	QueuedEvents    int    `json:"queued_events,omitempty"`
	IP              string `json:"ip,omitempty"`
}

type HeartbeatResponse struct {
	OK              bool   `json:"ok"`
	Known           bool   `json:"known"`
	ScannerDeviceID string `json:"scanner_device_id"`
	ServerTime      string `json:"server_time"`
}

// SyncRequest carries a reconnected scanner's queued offline events.
type SyncRequest struct {
	BundleID        string        `json:"bundle_id"`
	ScannerDeviceID string        `json:"scanner_device_id"`
	Events          []AccessEvent `json:"events"`
}
