package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DetectionResult contains the result of runtime detection
type DetectionResult struct {
	Available bool
	Status    string
}

// RuntimeDetector picks a container runtime when runtime.type is "auto"
type RuntimeDetector struct {
	lookPath func(string) (string, error)
	getenv   func(string) string
}

// NewRuntimeDetector creates a new runtime detector
func NewRuntimeDetector() *RuntimeDetector {
	return &RuntimeDetector{
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
	}
}

// DetectDocker checks for the docker CLI
func (d *RuntimeDetector) DetectDocker(binary string) DetectionResult {
	if binary == "" {
		binary = "docker"
	}
	if _, err := d.lookPath(binary); err != nil {
		return DetectionResult{Status: binary + " CLI not found"}
	}
	return DetectionResult{Available: true, Status: binary + " CLI found"}
}

// DetectKubernetes checks for in-cluster credentials or a kubeconfig file
func (d *RuntimeDetector) DetectKubernetes(kubeconfig string) DetectionResult {
	if d.getenv("KUBERNETES_SERVICE_HOST") != "" {
		return DetectionResult{Available: true, Status: "in-cluster config"}
	}

	candidates := []string{kubeconfig, d.getenv("KUBECONFIG")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".kube", "config"))
	}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return DetectionResult{Available: true, Status: "kubeconfig " + path}
		}
	}
	return DetectionResult{Status: "no kubeconfig found"}
}

// Resolve returns the runtime type to use. Explicit types are returned
// unchanged; "auto" prefers docker, then kubernetes.
func (d *RuntimeDetector) Resolve(rc RuntimeConfig) string {
	if rc.Type != "auto" {
		return rc.Type
	}
	if d.DetectDocker(rc.DockerBinary).Available {
		return "docker"
	}
	if d.DetectKubernetes(rc.Kubeconfig).Available {
		return "kubernetes"
	}
	return "docker"
}
