package domain

// VPS is a managed remote server as listed by the backend.
type VPS struct {
	ID           int    `json:"id"`
	FriendlyName string `json:"friendlyName"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	UserName     string `json:"userName"`
}

// VPSInput is the create/update form for a VPS. Password is write-only.
type VPSInput struct {
	FriendlyName string `json:"friendlyName"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	UserName     string `json:"userName"`
	Password     string `json:"password"`
}

// ConnectionCheck is the backend verdict on an SSH connectivity probe.
type ConnectionCheck struct {
	Variant     string `json:"variant"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SystemInfo holds resource usage reported for a VPS.
type SystemInfo struct {
	FriendlyName     string  `json:"friendlyName"`
	IPAddress        string  `json:"ipAddress"`
	OSVersion        string  `json:"osVersion"`
	DockerInstalled  bool    `json:"dockerInstalled"`
	RAMUsagePercent  float64 `json:"ramUsagePercent"`
	TotalRAMMb       float64 `json:"totalRamMb"`
	UsedRAMMb        float64 `json:"usedRamMb"`
	FreeRAMMb        float64 `json:"freeRamMb"`
	DiskUsagePercent float64 `json:"diskUsagePercent"`
	TotalDiskGb      float64 `json:"totalDiskGb"`
	UsedDiskGb       float64 `json:"usedDiskGb"`
	FreeDiskGb       float64 `json:"freeDiskGb"`
}
