// Package rules maps CIS benchmark rule ids to the components they harden,
// loads the rule catalog and runs the audit probes that decide whether a
// rule holds on a node.
package rules

import (
	"strings"

	"github.com/tinkerbelle-io/tb-harden/internal/health"
)

// Default locations on a kubeadm node.
const (
	ManifestDir       = "/etc/kubernetes/manifests"
	KubeletConfigPath = "/var/lib/kubelet/config.yaml"
	KubeletUnit       = "kubelet"
)

// ComponentIdentity ties a rule-id prefix to the component it hardens.
type ComponentIdentity struct {
	Prefix       string
	Component    string
	Binary       string
	ManifestPath string
	Unit         string
	Health       health.Target
}

// identities is ordered so a longer prefix wins over a shorter one.
var identities = []ComponentIdentity{
	{
		Prefix:       "1.2.",
		Component:    "kube-apiserver",
		Binary:       "kube-apiserver",
		ManifestPath: ManifestDir + "/kube-apiserver.yaml",
		Health:       health.Target{Port: 6443, Path: "/livez", Scheme: "https"},
	},
	{
		Prefix:       "1.3.",
		Component:    "kube-controller-manager",
		Binary:       "kube-controller-manager",
		ManifestPath: ManifestDir + "/kube-controller-manager.yaml",
		Health:       health.Target{Port: 10257, Path: "/healthz", Scheme: "https"},
	},
	{
		Prefix:       "1.4.",
		Component:    "kube-scheduler",
		Binary:       "kube-scheduler",
		ManifestPath: ManifestDir + "/kube-scheduler.yaml",
		Health:       health.Target{Port: 10259, Path: "/healthz", Scheme: "https"},
	},
	{
		Prefix:       "4.2.",
		Component:    "kubelet",
		Binary:       "kubelet",
		ManifestPath: KubeletConfigPath,
		Unit:         KubeletUnit,
		Health:       health.Target{Worker: true, Unit: KubeletUnit},
	},
	{
		Prefix:       "2.",
		Component:    "etcd",
		Binary:       "etcd",
		ManifestPath: ManifestDir + "/etcd.yaml",
		Health:       health.Target{Port: 2381, Path: "/health", Scheme: "http"},
	},
}

// Identify returns the component a rule id belongs to.
func Identify(ruleID string) (ComponentIdentity, bool) {
	for _, id := range identities {
		if strings.HasPrefix(ruleID, id.Prefix) {
			return id, true
		}
	}
	return ComponentIdentity{}, false
}

// Components lists every known component name.
func Components() []string {
	out := make([]string, len(identities))
	for i, id := range identities {
		out[i] = id.Component
	}
	return out
}
