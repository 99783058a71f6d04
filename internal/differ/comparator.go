package differ

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/yairfalse/vahti/pkg/types"
)

// reportNamespace seeds name-based report ids so identical inputs produce
// identical reports
var reportNamespace = uuid.MustParse("6f1c2a9e-4b7d-5e80-9c3a-2d1f0e8b7a64")

// Comparator diffs a desired snapshot against an actual one. It holds no
// mutable state and performs no I/O.
type Comparator struct {
	classifier *Classifier
}

// NewComparator creates a comparator with the default classifier
func NewComparator() *Comparator {
	return &Comparator{classifier: NewClassifier()}
}

// Compare is a convenience wrapper around a default Comparator
func Compare(desired, actual *types.Snapshot) *types.DriftReport {
	return NewComparator().Compare(desired, actual)
}

// Compare produces the drift report for desired vs actual
func (c *Comparator) Compare(desired, actual *types.Snapshot) *types.DriftReport {
	if desired == nil {
		desired = &types.Snapshot{}
	}
	if actual == nil {
		actual = &types.Snapshot{}
	}

	var findings []types.DriftFinding
	findings = append(findings, c.compareContainers(desired.Containers, actual.Containers)...)
	findings = append(findings, c.compareNetworks(desired.Networks, actual.Networks)...)
	findings = append(findings, c.compareVolumes(desired.Volumes, actual.Volumes)...)

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Field < b.Field
	})

	if findings == nil {
		findings = []types.DriftFinding{}
	}

	environment := actual.Environment
	if environment == "" {
		environment = desired.Environment
	}

	return &types.DriftReport{
		ID:          ReportID(desired.ID, actual.ID, environment),
		Timestamp:   actual.Timestamp,
		Environment: environment,
		DesiredID:   desired.ID,
		SnapshotID:  actual.ID,
		Findings:    findings,
		HasDrift:    len(findings) > 0,
		Summary:     types.Summarize(findings),
	}
}

// ReportID derives the report id from its inputs
func ReportID(desiredID, snapshotID, environment string) string {
	return uuid.NewSHA1(reportNamespace, []byte(environment+"\x00"+desiredID+"\x00"+snapshotID)).String()
}

func (c *Comparator) compareContainers(desired, actual []types.ContainerState) []types.DriftFinding {
	var findings []types.DriftFinding

	actualByName := make(map[string]types.ContainerState, len(actual))
	for _, a := range actual {
		actualByName[a.Name] = a
	}
	desiredByName := make(map[string]bool, len(desired))

	for _, d := range desired {
		desiredByName[d.Name] = true
		key := types.ResourceKey(types.ResourceContainer, d.Name)

		a, ok := actualByName[d.Name]
		if !ok {
			findings = append(findings, c.finding(types.MissingResource, key, types.ResourceContainer, "", d.Role,
				presence(d.Replicas), "absent",
				fmt.Sprintf("container %s is declared but not present", d.Name)))
			continue
		}

		statusDiffers := d.Status != "" && a.Status != d.Status
		if statusDiffers {
			findings = append(findings, c.finding(types.StateMismatch, key, types.ResourceContainer, "status", d.Role,
				d.Status, a.Status,
				fmt.Sprintf("container %s is %s, expected %s", d.Name, orNone(a.Status), d.Status)))
		}

		// A single-replica container that is down is already covered by the
		// status finding
		if d.Replicas > 0 && a.Replicas != d.Replicas && !(statusDiffers && d.Replicas <= 1) {
			findings = append(findings, c.finding(types.StateMismatch, key, types.ResourceContainer, "replicas", d.Role,
				strconv.Itoa(d.Replicas), strconv.Itoa(a.Replicas),
				fmt.Sprintf("container %s runs %d replica(s), expected %d", d.Name, a.Replicas, d.Replicas)))
		}

		if a.Health == types.HealthUnhealthy && d.Health != types.HealthUnhealthy {
			expected := string(d.Health)
			if expected == "" {
				expected = string(types.HealthHealthy)
			}
			findings = append(findings, c.finding(types.HealthDegraded, key, types.ResourceContainer, "health", d.Role,
				expected, string(a.Health),
				fmt.Sprintf("container %s is unhealthy", d.Name)))
		}

		if d.Image != "" && !strings.HasPrefix(d.Image, "sha256:") && normalizeImage(d.Image) != normalizeImage(a.Image) {
			findings = append(findings, c.finding(types.ConfigDrift, key, types.ResourceContainer, "image", d.Role,
				d.Image, a.Image,
				fmt.Sprintf("container %s runs image %s, expected %s", d.Name, orNone(a.Image), d.Image)))
		}

		if len(d.Ports) > 0 {
			expected, observed := normalizePorts(d.Ports), normalizePorts(a.Ports)
			if expected != observed {
				findings = append(findings, c.finding(types.ConfigDrift, key, types.ResourceContainer, "ports", d.Role,
					expected, observed,
					fmt.Sprintf("container %s publishes %s, expected %s", d.Name, orNone(observed), expected)))
			}
		}

		findings = append(findings, c.compareLabels(key, types.ResourceContainer, d.Role, d.Labels, a.Labels)...)
	}

	for _, a := range actual {
		if desiredByName[a.Name] {
			continue
		}
		key := types.ResourceKey(types.ResourceContainer, a.Name)
		findings = append(findings, c.finding(types.ExtraResource, key, types.ResourceContainer, "", a.Role,
			"absent", orNone(a.Status),
			fmt.Sprintf("container %s is running but not declared", a.Name)))
	}

	return findings
}

func (c *Comparator) compareNetworks(desired, actual []types.NetworkState) []types.DriftFinding {
	var findings []types.DriftFinding

	actualByName := make(map[string]types.NetworkState, len(actual))
	for _, a := range actual {
		actualByName[a.Name] = a
	}
	desiredByName := make(map[string]bool, len(desired))

	for _, d := range desired {
		desiredByName[d.Name] = true
		key := types.ResourceKey(types.ResourceNetwork, d.Name)

		a, ok := actualByName[d.Name]
		if !ok {
			findings = append(findings, c.finding(types.MissingResource, key, types.ResourceNetwork, "", d.Role,
				"present", "absent", fmt.Sprintf("network %s is declared but not present", d.Name)))
			continue
		}
		if d.Driver != "" && d.Driver != a.Driver {
			findings = append(findings, c.finding(types.ConfigDrift, key, types.ResourceNetwork, "driver", d.Role,
				d.Driver, a.Driver, fmt.Sprintf("network %s uses driver %s, expected %s", d.Name, orNone(a.Driver), d.Driver)))
		}
		findings = append(findings, c.compareLabels(key, types.ResourceNetwork, d.Role, d.Labels, a.Labels)...)
	}

	for _, a := range actual {
		if !desiredByName[a.Name] {
			key := types.ResourceKey(types.ResourceNetwork, a.Name)
			findings = append(findings, c.finding(types.ExtraResource, key, types.ResourceNetwork, "", a.Role,
				"absent", "present", fmt.Sprintf("network %s exists but is not declared", a.Name)))
		}
	}

	return findings
}

func (c *Comparator) compareVolumes(desired, actual []types.VolumeState) []types.DriftFinding {
	var findings []types.DriftFinding

	actualByName := make(map[string]types.VolumeState, len(actual))
	for _, a := range actual {
		actualByName[a.Name] = a
	}
	desiredByName := make(map[string]bool, len(desired))

	for _, d := range desired {
		desiredByName[d.Name] = true
		key := types.ResourceKey(types.ResourceVolume, d.Name)

		a, ok := actualByName[d.Name]
		if !ok {
			findings = append(findings, c.finding(types.MissingResource, key, types.ResourceVolume, "", d.Role,
				"present", "absent", fmt.Sprintf("volume %s is declared but not present", d.Name)))
			continue
		}
		if d.Driver != "" && d.Driver != a.Driver {
			findings = append(findings, c.finding(types.ConfigDrift, key, types.ResourceVolume, "driver", d.Role,
				d.Driver, a.Driver, fmt.Sprintf("volume %s uses driver %s, expected %s", d.Name, orNone(a.Driver), d.Driver)))
		}
		findings = append(findings, c.compareLabels(key, types.ResourceVolume, d.Role, d.Labels, a.Labels)...)
	}

	for _, a := range actual {
		if !desiredByName[a.Name] {
			key := types.ResourceKey(types.ResourceVolume, a.Name)
			findings = append(findings, c.finding(types.ExtraResource, key, types.ResourceVolume, "", a.Role,
				"absent", "present", fmt.Sprintf("volume %s exists but is not declared", a.Name)))
		}
	}

	return findings
}

// compareLabels checks that every declared label is present with the declared
// value. Labels the runtime adds on its own are ignored.
func (c *Comparator) compareLabels(key, resourceType string, role types.Role, desired, actual map[string]string) []types.DriftFinding {
	if len(desired) == 0 {
		return nil
	}

	labelKeys := make([]string, 0, len(desired))
	for k := range desired {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)

	var findings []types.DriftFinding
	for _, k := range labelKeys {
		want := desired[k]
		got, ok := actual[k]
		if ok && got == want {
			continue
		}
		if !ok {
			got = "<unset>"
		}
		_, name := types.SplitResourceKey(key)
		findings = append(findings, c.finding(types.ConfigDrift, key, resourceType, "labels."+k, role,
			want, got, fmt.Sprintf("%s %s label %s is %s, expected %s", resourceType, name, k, got, want)))
	}
	return findings
}

func (c *Comparator) finding(kind types.FindingKind, key, resourceType, field string, role types.Role, expected, actual, message string) types.DriftFinding {
	return types.DriftFinding{
		Kind:         kind,
		ResourceID:   key,
		ResourceType: resourceType,
		Field:        field,
		Expected:     expected,
		Actual:       actual,
		Severity:     c.classifier.Classify(kind, field, role),
		Message:      message,
	}
}

func presence(replicas int) string {
	if replicas > 1 {
		return strconv.Itoa(replicas) + " replicas"
	}
	return "present"
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// normalizeImage makes "nginx" and "nginx:latest" compare equal
func normalizeImage(image string) string {
	if image == "" || strings.Contains(image, "@") {
		return image
	}
	lastSlash := strings.LastIndex(image, "/")
	if !strings.Contains(image[lastSlash+1:], ":") {
		return image + ":latest"
	}
	return image
}

// normalizePorts renders a port list as a sorted, de-duplicated string
func normalizePorts(ports []string) string {
	if len(ports) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(ports))
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			p += "/tcp"
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
