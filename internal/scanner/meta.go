package scanner

import (
	"encoding/json"
	"fmt"
	"os"
)

// Docker container-inspect label keys the scanner reads out of
// config.v2.json. Only these four carry information this agent needs.
const (
	labelNamespace     = "io.kubernetes.pod.namespace"
	labelPodName       = "io.kubernetes.pod.name"
	labelContainerName = "io.kubernetes.container.name"
	labelServiceName   = "io.yametech.pod.harvest_service_lable"

	// podSandboxContainerName is the sentinel container name Docker (and
	// CRI-dockerd) assigns to the pause/sandbox container; its log is
	// attributed to the pod itself.
	podSandboxContainerName = "POD"
)

// ContainerMeta is parsed from a container runtime's per-container
// config.v2.json. It is the opaque `path -> ContainerMeta` function the
// core spec leaves unspecified, made concrete here against the Docker
// container-inspect shape.
type ContainerMeta struct {
	Namespace     string
	PodName       string
	ContainerName string
	ServiceName   string
	LogPath       string
}

// dockerConfigV2 is the slice of Docker's container-inspect document this
// agent actually reads.
type dockerConfigV2 struct {
	LogPath string `json:"LogPath"`
	Config  struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// parseContainerMeta reads and parses the config.v2.json file at path.
func parseContainerMeta(path string) (ContainerMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContainerMeta{}, fmt.Errorf("open container meta %s: %w", path, err)
	}
	defer f.Close()

	var cfg dockerConfigV2
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return ContainerMeta{}, fmt.Errorf("decode container meta %s: %w", path, err)
	}

	containerName := cfg.Config.Labels[labelContainerName]
	podName := cfg.Config.Labels[labelPodName]
	if containerName == podSandboxContainerName {
		containerName = podName
	}

	return ContainerMeta{
		Namespace:     cfg.Config.Labels[labelNamespace],
		PodName:       podName,
		ContainerName: containerName,
		ServiceName:   cfg.Config.Labels[labelServiceName],
		LogPath:       cfg.LogPath,
	}, nil
}
