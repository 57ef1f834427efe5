package domain

// AIModel is a deployable model definition.
type AIModel struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Port             int    `json:"port"`
	MinRequiredRAMMb int    `json:"minRequiredRamMb"`
}

// DeployRequest deploys a model onto a VPS. ConnectionID routes the
// deployment log lines to one push channel connection.
type DeployRequest struct {
	ModelID       int    `json:"modelId"`
	VPSID         int    `json:"vpsId"`
	ExposePort    int    `json:"exposePort"`
	Port          int    `json:"port"`
	ContainerName string `json:"containerName"`
	ConnectionID  string `json:"connectionId"`
}
