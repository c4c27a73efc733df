package model

import "time"

// HostStats represents resource usage sampled on a worker host
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	RunningJobs int       `json:"running_jobs"`
	CollectedAt time.Time `json:"collected_at"`
}
