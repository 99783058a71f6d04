package desired

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yairfalse/vahti/pkg/types"
)

// TerraformState is the subset of a raw state file vahti reads
type TerraformState struct {
	Version          int                 `json:"version"`
	TerraformVersion string              `json:"terraform_version"`
	Serial           int                 `json:"serial"`
	Lineage          string              `json:"lineage"`
	Resources        []TerraformResource `json:"resources"`
}

// TerraformResource is a resource block of a raw state file
type TerraformResource struct {
	Mode      string              `json:"mode"`
	Type      string              `json:"type"`
	Name      string              `json:"name"`
	Module    string              `json:"module,omitempty"`
	Instances []TerraformInstance `json:"instances"`
}

// TerraformInstance is one instance (count/for_each element) of a resource
type TerraformInstance struct {
	Attributes map[string]interface{} `json:"attributes"`
}

// showOutput is the shape of `terraform show -json`
type showOutput struct {
	FormatVersion string `json:"format_version"`
	Values        *struct {
		RootModule showModule `json:"root_module"`
	} `json:"values"`
}

type showModule struct {
	Resources []struct {
		Address string                 `json:"address"`
		Mode    string                 `json:"mode"`
		Type    string                 `json:"type"`
		Name    string                 `json:"name"`
		Values  map[string]interface{} `json:"values"`
	} `json:"resources"`
	ChildModules []showModule `json:"child_modules"`
}

// stateResource is a managed resource instance with its attributes,
// independent of which of the two JSON shapes it came from
type stateResource struct {
	Type       string
	Attributes map[string]interface{}
}

// parseRawState reads a raw .tfstate document (version 4)
func parseRawState(data []byte) ([]stateResource, *TerraformState, error) {
	var state TerraformState
	if len(data) == 0 {
		return nil, &state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, fmt.Errorf("failed to parse state file JSON: %w", err)
	}
	if state.Version != 0 && state.Version < 4 {
		return nil, nil, fmt.Errorf("state format version %d is not supported; run terraform 0.12 or newer against it first", state.Version)
	}

	var resources []stateResource
	for _, r := range state.Resources {
		if r.Mode != "" && r.Mode != "managed" {
			continue
		}
		for _, inst := range r.Instances {
			resources = append(resources, stateResource{Type: r.Type, Attributes: inst.Attributes})
		}
	}
	return resources, &state, nil
}

// parseShowJSON reads the output of `terraform show -json`
func parseShowJSON(data []byte) ([]stateResource, error) {
	var out showOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse terraform show output: %w", err)
	}
	if out.Values == nil {
		// No state yet
		return nil, nil
	}

	var resources []stateResource
	var walk func(m showModule)
	walk = func(m showModule) {
		for _, r := range m.Resources {
			if r.Mode != "" && r.Mode != "managed" {
				continue
			}
			resources = append(resources, stateResource{Type: r.Type, Attributes: r.Values})
		}
		for _, child := range m.ChildModules {
			walk(child)
		}
	}
	walk(out.Values.RootModule)
	return resources, nil
}

// toSpec maps docker and kubernetes provider resources onto declared
// containers, networks and volumes for one environment. Resources carrying
// a different environment label are skipped; unlabeled ones are kept.
func toSpec(resources []stateResource, environment string) ManifestSpec {
	var spec ManifestSpec

	for _, r := range resources {
		attrs := r.Attributes
		switch r.Type {
		case "docker_container":
			c := dockerContainer(attrs)
			if inEnvironment(c.Labels, environment) {
				spec.Containers = append(spec.Containers, c)
			}
		case "docker_network":
			labels := dockerLabels(attrs["labels"])
			if inEnvironment(labels, environment) {
				spec.Networks = append(spec.Networks, types.NetworkState{
					Name:   str(attrs["name"]),
					Driver: str(attrs["driver"]),
					Role:   types.Role(labels["vahti.role"]),
					Labels: labels,
				})
			}
		case "docker_volume":
			labels := dockerLabels(attrs["labels"])
			if inEnvironment(labels, environment) {
				spec.Volumes = append(spec.Volumes, types.VolumeState{
					Name:   str(attrs["name"]),
					Driver: str(attrs["driver"]),
					Role:   types.Role(labels["vahti.role"]),
					Labels: labels,
				})
			}
		case "kubernetes_deployment", "kubernetes_deployment_v1":
			c := kubernetesDeployment(attrs)
			if inEnvironment(c.Labels, environment) {
				spec.Containers = append(spec.Containers, c)
			}
		case "kubernetes_service", "kubernetes_service_v1":
			meta := firstBlock(attrs["metadata"])
			labels := stringMap(meta["labels"])
			if inEnvironment(labels, environment) {
				spec.Networks = append(spec.Networks, types.NetworkState{
					Name:   str(meta["name"]),
					Driver: str(firstBlock(attrs["spec"])["type"]),
					Role:   types.Role(labels["vahti.role"]),
					Labels: labels,
				})
			}
		case "kubernetes_persistent_volume_claim", "kubernetes_persistent_volume_claim_v1":
			meta := firstBlock(attrs["metadata"])
			labels := stringMap(meta["labels"])
			if inEnvironment(labels, environment) {
				spec.Volumes = append(spec.Volumes, types.VolumeState{
					Name:   str(meta["name"]),
					Driver: str(firstBlock(attrs["spec"])["storage_class_name"]),
					Role:   types.Role(labels["vahti.role"]),
					Labels: labels,
				})
			}
		}
	}

	sort.Slice(spec.Containers, func(i, j int) bool { return spec.Containers[i].Name < spec.Containers[j].Name })
	sort.Slice(spec.Networks, func(i, j int) bool { return spec.Networks[i].Name < spec.Networks[j].Name })
	sort.Slice(spec.Volumes, func(i, j int) bool { return spec.Volumes[i].Name < spec.Volumes[j].Name })
	return spec
}

func dockerContainer(attrs map[string]interface{}) types.ContainerState {
	labels := dockerLabels(attrs["labels"])
	c := types.ContainerState{
		Name:   str(attrs["name"]),
		Image:  str(attrs["image"]),
		Status: types.StatusRunning,
		Role:   types.Role(labels["vahti.role"]),
		Labels: labels,
	}
	if mustRun, ok := attrs["must_run"].(bool); ok && !mustRun {
		c.Status = ""
	}

	if ports, ok := attrs["ports"].([]interface{}); ok {
		for _, p := range ports {
			pm, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			proto := str(pm["protocol"])
			if proto == "" {
				proto = "tcp"
			}
			internal := num(pm["internal"])
			external := num(pm["external"])
			if external == 0 {
				continue
			}
			c.Ports = append(c.Ports, fmt.Sprintf("%d:%d/%s", external, internal, proto))
		}
		sort.Strings(c.Ports)
	}
	return c
}

func kubernetesDeployment(attrs map[string]interface{}) types.ContainerState {
	meta := firstBlock(attrs["metadata"])
	spec := firstBlock(attrs["spec"])
	labels := stringMap(meta["labels"])

	c := types.ContainerState{
		Name:     str(meta["name"]),
		Status:   types.StatusRunning,
		Role:     types.Role(labels["vahti.role"]),
		Labels:   labels,
		Replicas: 1,
	}
	if replicas, ok := spec["replicas"]; ok && replicas != nil {
		c.Replicas = num(replicas)
	}
	if c.Replicas == 0 {
		c.Status = types.StatusExited
	}

	podSpec := firstBlock(firstBlock(spec["template"])["spec"])
	if container := firstBlock(podSpec["container"]); container != nil {
		c.Image = str(container["image"])
		if ports, ok := container["port"].([]interface{}); ok {
			for _, p := range ports {
				pm, _ := p.(map[string]interface{})
				proto := strings.ToLower(str(pm["protocol"]))
				if proto == "" {
					proto = "tcp"
				}
				c.Ports = append(c.Ports, fmt.Sprintf("%d/%s", num(pm["container_port"]), proto))
			}
			sort.Strings(c.Ports)
		}
	}
	return c
}

func inEnvironment(labels map[string]string, environment string) bool {
	env, ok := labels["environment"]
	return !ok || env == environment
}

// dockerLabels reads the docker provider's set-of-blocks label encoding
// ([{label: k, value: v}]) as well as a plain map
func dockerLabels(v interface{}) map[string]string {
	switch labels := v.(type) {
	case []interface{}:
		out := make(map[string]string, len(labels))
		for _, l := range labels {
			if lm, ok := l.(map[string]interface{}); ok {
				out[str(lm["label"])] = str(lm["value"])
			}
		}
		return out
	case map[string]interface{}:
		return stringMap(labels)
	default:
		return nil
	}
}

func firstBlock(v interface{}) map[string]interface{} {
	switch b := v.(type) {
	case []interface{}:
		if len(b) > 0 {
			m, _ := b[0].(map[string]interface{})
			return m
		}
	case map[string]interface{}:
		return b
	}
	return nil
}

func stringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = str(val)
	}
	return out
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func num(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
