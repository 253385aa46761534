package cluster

import (
	"context"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func node(name string, ready corev1.ConditionStatus) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: ready}},
		},
	}
}

func mirrorPod(name string, phase corev1.PodPhase, ready bool) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: MirrorNamespace},
		Status: corev1.PodStatus{
			Phase:             phase,
			ContainerStatuses: []corev1.ContainerStatus{{Name: "kube-apiserver", Ready: ready}},
		},
	}
}

func TestReadyWithHealthyMirrorPod(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		node("cp-1", corev1.ConditionTrue),
		mirrorPod("kube-apiserver-cp-1", corev1.PodRunning, true),
	)
	c := NewChecker(clientset, "cp-1")

	if err := c.Ready(context.Background(), "kube-apiserver"); err != nil {
		t.Errorf("expected ready, got %v", err)
	}
}

func TestReadyNodeNotReady(t *testing.T) {
	clientset := fake.NewSimpleClientset(node("cp-1", corev1.ConditionFalse))
	c := NewChecker(clientset, "cp-1")

	err := c.Ready(context.Background(), "kubelet")
	if err == nil || !strings.Contains(err.Error(), "not Ready") {
		t.Errorf("expected node not ready, got %v", err)
	}
}

func TestReadyKubeletSkipsMirrorPod(t *testing.T) {
	clientset := fake.NewSimpleClientset(node("worker-1", corev1.ConditionTrue))
	c := NewChecker(clientset, "worker-1")

	if err := c.Ready(context.Background(), "kubelet"); err != nil {
		t.Errorf("kubelet has no mirror pod: %v", err)
	}
}

func TestReadyMirrorPodStates(t *testing.T) {
	tests := []struct {
		name string
		pod  *corev1.Pod
		want string
	}{
		{"missing", nil, "get mirror pod"},
		{"pending", mirrorPod("kube-scheduler-cp-1", corev1.PodPending, false), "is Pending"},
		{"container not ready", mirrorPod("kube-scheduler-cp-1", corev1.PodRunning, false), "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset(node("cp-1", corev1.ConditionTrue))
			if tt.pod != nil {
				clientset = fake.NewSimpleClientset(node("cp-1", corev1.ConditionTrue), tt.pod)
			}
			c := NewChecker(clientset, "cp-1")

			err := c.Ready(context.Background(), "kube-scheduler")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestReadyUnknownNode(t *testing.T) {
	c := NewChecker(fake.NewSimpleClientset(), "ghost")
	if err := c.Ready(context.Background(), "etcd"); err == nil {
		t.Error("expected error for a node the API does not know")
	}
}

func TestReadyCrashlooping(t *testing.T) {
	pod := mirrorPod("kube-apiserver-cp-1", corev1.PodRunning, true)
	pod.Status.ContainerStatuses[0].RestartCount = 4
	pod.Status.ContainerStatuses[0].State.Waiting = &corev1.ContainerStateWaiting{
		Reason:  "CrashLoopBackOff",
		Message: "back-off 40s restarting failed container",
	}
	c := NewChecker(fake.NewSimpleClientset(node("cp-1", corev1.ConditionTrue), pod), "cp-1")

	err := c.Ready(context.Background(), "kube-apiserver")
	if err == nil || !strings.Contains(err.Error(), "crashlooping") {
		t.Errorf("expected crashloop error, got %v", err)
	}
}
