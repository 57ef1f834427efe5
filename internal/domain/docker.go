package domain

import "time"

// Container is a Docker container running on a VPS.
type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Port      string    `json:"port"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsRunning reports whether the engine considers the container running.
func (c Container) IsRunning() bool {
	return c.State == "running"
}

// Image is a Docker image present on a VPS.
type Image struct {
	ImageID      string   `json:"imageId"`
	Name         string   `json:"name"`
	Tags         []string `json:"tags,omitempty"`
	SizeBytes    int64    `json:"sizeBytes"`
	HasContainer bool     `json:"hasContainer"`
}

// RunImageRequest asks for a new container from an existing image.
type RunImageRequest struct {
	ImageID       string `json:"imageId"`
	ContainerName string `json:"containerName"`
	Port          int    `json:"port"`
	ContainerPort int    `json:"containerPort,omitempty"`
}
