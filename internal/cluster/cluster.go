// Package cluster confirms through the Kubernetes API that a restarted
// control-plane component rejoined the cluster.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// MirrorNamespace holds static pod mirrors.
const MirrorNamespace = "kube-system"

// Checker reads node and mirror pod state.
type Checker struct {
	clientset kubernetes.Interface
	nodeName  string
	log       *slog.Logger
}

// NewChecker wraps an existing clientset.
func NewChecker(clientset kubernetes.Interface, nodeName string) *Checker {
	return &Checker{
		clientset: clientset,
		nodeName:  nodeName,
		log:       slog.Default().With("component", "cluster"),
	}
}

// NewForKubeconfig builds a checker from kubeconfig, or from the in-cluster
// config and the default kubeconfig locations when kubeconfig is empty.
// nodeName defaults to the host name.
func NewForKubeconfig(kubeconfig, nodeName string) (*Checker, error) {
	config, err := getK8sConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	if nodeName == "" {
		if nodeName, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("node name: %w", err)
		}
	}
	return NewChecker(clientset, nodeName), nil
}

func getK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	kubeconfig = os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = "/etc/kubernetes/admin.conf"
		if _, err := os.Stat(kubeconfig); err != nil {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// NodeName returns the node the checker inspects.
func (c *Checker) NodeName() string { return c.nodeName }

// Ready returns nil when the node reports Ready and, for control-plane
// components, the mirror pod <component>-<node> is Running with every
// container ready. The kubelet has no mirror pod; only the node is checked.
func (c *Checker) Ready(ctx context.Context, component string) error {
	node, err := c.clientset.CoreV1().Nodes().Get(ctx, c.nodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get node %s: %w", c.nodeName, err)
	}
	if !nodeReady(node) {
		return fmt.Errorf("node %s is not Ready", c.nodeName)
	}
	if component == "" || component == "kubelet" {
		return nil
	}

	name := component + "-" + c.nodeName
	pod, err := c.clientset.CoreV1().Pods(MirrorNamespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get mirror pod %s: %w", name, err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return fmt.Errorf("mirror pod %s is %s", name, pod.Status.Phase)
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && w.Reason == "CrashLoopBackOff" {
			return fmt.Errorf("container %s in %s is crashlooping (restarts %d): %s", cs.Name, name, cs.RestartCount, w.Message)
		}
		if !cs.Ready {
			return fmt.Errorf("container %s in %s not ready (restarts %d)", cs.Name, name, cs.RestartCount)
		}
	}
	c.log.Debug("mirror pod ready", "pod", name)
	return nil
}

func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
