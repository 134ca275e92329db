package models

// ==================== Admin API DTOs ====================

// InstanceResponse is the admin-facing view of an instance.
type InstanceResponse struct {
	ID              string  `json:"id"`
	CustomerID      string  `json:"customer_id"`
	Subdomain       string  `json:"subdomain"`
	URL             string  `json:"url"`
	Port            int     `json:"port,omitempty"`
	ContainerID     *string `json:"container_id,omitempty"`
	ContainerName   string  `json:"container_name,omitempty"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message,omitempty"`
	SiteName        string  `json:"site_name"`
	AdminEmail      string  `json:"admin_email"`
	CreatedAt       string  `json:"created_at"`
	LastHealthCheck *string `json:"last_health_check,omitempty"`
	LastReconciled  *string `json:"last_reconciled,omitempty"`
}

// CustomerResponse is the admin-facing view of a customer.
type CustomerResponse struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	StoreName        string `json:"store_name,omitempty"`
	StripeCustomerID string `json:"stripe_customer_id"`
	CreatedAt        string `json:"created_at"`
}

// InstanceHealthResponse reports a single health probe.
type InstanceHealthResponse struct {
	Healthy   bool    `json:"healthy"`
	Health    string  `json:"health"`
	LastCheck *string `json:"last_check,omitempty"`
}

// InstanceStatsResponse carries container resource usage.
type InstanceStatsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// DashboardStatsResponse is the admin dashboard overview.
type DashboardStatsResponse struct {
	TotalCustomers      int            `json:"total_customers"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	InstancesByStatus   map[string]int `json:"instances_by_status"`
}

// LogResponse is one audit log entry.
type LogResponse struct {
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// ==================== Maintenance API DTOs ====================

// SyncResponse summarizes one reconciler pass.
type SyncResponse struct {
	Checked   int            `json:"checked"`
	Actions   map[string]int `json:"actions"`
	Orphans   []string       `json:"orphans,omitempty"`
	DurationS float64        `json:"duration_seconds"`
}

// CleanupResponse summarizes a retention cleanup pass.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// RegenerateResponse summarizes a full proxy config re-render.
type RegenerateResponse struct {
	Rendered int      `json:"rendered"`
	Failed   []string `json:"failed,omitempty"`
}
