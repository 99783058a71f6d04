package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// restartAnnotation is the annotation `kubectl rollout restart` sets
const restartAnnotation = "kubectl.kubernetes.io/restartedAt"

// KubernetesRuntime maps an environment onto one namespace: deployments
// are containers, services are networks and PVCs are volumes
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	namespace string
	now       func() time.Time
}

// NewKubernetesRuntime wraps an existing clientset
func NewKubernetesRuntime(clientset kubernetes.Interface, namespace string) *KubernetesRuntime {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesRuntime{clientset: clientset, namespace: namespace, now: time.Now}
}

// NewKubernetesRuntimeFromConfig builds a clientset from in-cluster config,
// falling back to the kubeconfig file
func NewKubernetesRuntimeFromConfig(kubeconfig, kubeContext, namespace string) (*KubernetesRuntime, error) {
	config, err := restConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, vahtierrors.CollectorUnavailable("kubernetes", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, vahtierrors.CollectorUnavailable("kubernetes", err)
	}
	return NewKubernetesRuntime(clientset, namespace), nil
}

func restConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	if kubeconfig == "" && kubeContext == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = filepath.Clean(kubeconfig)
	}
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return config, nil
}

func (k *KubernetesRuntime) Name() string { return "kubernetes" }

func (k *KubernetesRuntime) selector(environment string) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: EnvironmentLabel + "=" + environment}
}

func (k *KubernetesRuntime) Containers(ctx context.Context, environment string) ([]types.ContainerState, error) {
	deployments, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, k.selector(environment))
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	containers := make([]types.ContainerState, 0, len(deployments.Items))
	for i := range deployments.Items {
		containers = append(containers, deploymentState(&deployments.Items[i]))
	}
	return containers, nil
}

func deploymentState(d *appsv1.Deployment) types.ContainerState {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	ready := d.Status.ReadyReplicas

	c := types.ContainerState{
		Name:     d.Name,
		Replicas: int(ready),
		Role:     roleFromLabels(d.Labels),
		Labels:   copyLabels(d.Labels),
	}

	if spec := d.Spec.Template.Spec.Containers; len(spec) > 0 {
		c.Image = spec[0].Image
		for _, p := range spec[0].Ports {
			proto := strings.ToLower(string(p.Protocol))
			if proto == "" {
				proto = "tcp"
			}
			c.Ports = append(c.Ports, strconv.Itoa(int(p.ContainerPort))+"/"+proto)
		}
		sort.Strings(c.Ports)
	}

	switch {
	case desired == 0:
		c.Status = types.StatusExited
		c.Health = types.HealthNone
	case ready == 0 && d.Status.Replicas == 0:
		c.Status = types.StatusCreated
		c.Health = types.HealthStarting
	default:
		c.Status = types.StatusRunning
		switch {
		case ready >= desired:
			c.Health = types.HealthHealthy
		case d.Status.UpdatedReplicas < desired:
			c.Health = types.HealthStarting
		default:
			c.Health = types.HealthUnhealthy
		}
	}
	return c
}

func (k *KubernetesRuntime) Networks(ctx context.Context, environment string) ([]types.NetworkState, error) {
	services, err := k.clientset.CoreV1().Services(k.namespace).List(ctx, k.selector(environment))
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	networks := make([]types.NetworkState, 0, len(services.Items))
	for _, svc := range services.Items {
		networks = append(networks, types.NetworkState{
			Name:   svc.Name,
			Driver: string(svc.Spec.Type),
			Role:   roleFromLabels(svc.Labels),
			Labels: copyLabels(svc.Labels),
		})
	}
	return networks, nil
}

func (k *KubernetesRuntime) Volumes(ctx context.Context, environment string) ([]types.VolumeState, error) {
	pvcs, err := k.clientset.CoreV1().PersistentVolumeClaims(k.namespace).List(ctx, k.selector(environment))
	if err != nil {
		return nil, fmt.Errorf("failed to list persistent volume claims: %w", err)
	}

	volumes := make([]types.VolumeState, 0, len(pvcs.Items))
	for _, pvc := range pvcs.Items {
		driver := ""
		if pvc.Spec.StorageClassName != nil {
			driver = *pvc.Spec.StorageClassName
		}
		volumes = append(volumes, types.VolumeState{
			Name:   pvc.Name,
			Driver: driver,
			Role:   roleFromLabels(pvc.Labels),
			Labels: copyLabels(pvc.Labels),
		})
	}
	return volumes, nil
}

func (k *KubernetesRuntime) getDeployment(ctx context.Context, environment, name string) (*appsv1.Deployment, error) {
	d, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, vahtierrors.NotFound("deployment", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", name, err)
	}
	if d.Labels[EnvironmentLabel] != environment {
		return nil, vahtierrors.NotFound("deployment", name)
	}
	return d, nil
}

func (k *KubernetesRuntime) Inspect(ctx context.Context, environment, name string) (*types.ContainerState, error) {
	d, err := k.getDeployment(ctx, environment, name)
	if err != nil {
		return nil, err
	}
	state := deploymentState(d)
	return &state, nil
}

// Restart triggers a rolling restart the same way kubectl does
func (k *KubernetesRuntime) Restart(ctx context.Context, environment, name string) error {
	d, err := k.getDeployment(ctx, environment, name)
	if err != nil {
		return err
	}
	if d.Spec.Template.Annotations == nil {
		d.Spec.Template.Annotations = make(map[string]string)
	}
	d.Spec.Template.Annotations[restartAnnotation] = k.now().UTC().Format(time.RFC3339)

	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to restart deployment %s: %w", name, err)
	}
	return nil
}

// Start scales a deployment that was scaled to zero back to one replica
func (k *KubernetesRuntime) Start(ctx context.Context, environment, name string) error {
	d, err := k.getDeployment(ctx, environment, name)
	if err != nil {
		return err
	}
	if d.Spec.Replicas != nil && *d.Spec.Replicas > 0 {
		return nil
	}
	one := int32(1)
	d.Spec.Replicas = &one

	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale deployment %s: %w", name, err)
	}
	return nil
}

func (k *KubernetesRuntime) Remove(ctx context.Context, environment, name string) error {
	if _, err := k.getDeployment(ctx, environment, name); err != nil {
		return err
	}
	if err := k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}
	return nil
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
