package manifest

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// MutateResult is the outcome of applying mutations to a document.
type MutateResult struct {
	Content []byte
	Changed bool
	Kind    DocumentKind
	// RequiredTokens must appear verbatim in Content once written.
	RequiredTokens []string
}

// Mutate applies mutations to a serialized document. It never touches
// storage. When nothing changes, Content is data itself.
func Mutate(data []byte, muts []FlagMutation) (MutateResult, error) {
	for _, m := range muts {
		if err := m.Validate(); err != nil {
			return MutateResult{}, err
		}
	}

	doc, err := Parse(data)
	if err != nil {
		return MutateResult{}, err
	}
	res := MutateResult{Content: data, Kind: doc.Kind()}

	switch doc.Kind() {
	case KindPod:
		args, err := doc.Command()
		if err != nil {
			return MutateResult{}, err
		}
		out, changed := Apply(args, muts)
		for _, m := range muts {
			if a, ok := Lookup(out, m.Name); ok {
				res.RequiredTokens = append(res.RequiredTokens, a.String())
			}
		}
		if !changed {
			return res, nil
		}
		if err := doc.SetCommand(out); err != nil {
			return MutateResult{}, err
		}
	case KindKubeletConfig:
		changed := false
		for _, m := range muts {
			target := m.Value
			cur, ok := doc.Get(m.Name)
			if ok && m.strategy() == CSVUnion {
				target = csvUnion(cur, m.Value)
			}
			if !ok || cur != target {
				if err := doc.Set(m.Name, target); err != nil {
					return MutateResult{}, err
				}
				changed = true
			}
			if !strings.Contains(target, ",") {
				keys := strings.Split(m.Name, ".")
				res.RequiredTokens = append(res.RequiredTokens, keys[len(keys)-1]+": "+target)
			}
		}
		if !changed {
			return res, nil
		}
	}

	content, err := doc.Bytes()
	if err != nil {
		return MutateResult{}, err
	}
	res.Content = content
	res.Changed = true
	return res, nil
}

// SatisfiedIn reports whether data already carries every mutation.
func SatisfiedIn(data []byte, muts []FlagMutation) (bool, error) {
	res, err := Mutate(data, muts)
	if err != nil {
		return false, err
	}
	return !res.Changed, nil
}

// Validate checks that content still decodes as a runnable pod or a kubelet
// configuration.
func Validate(content []byte) error {
	doc, err := Parse(content)
	if err != nil {
		return err
	}
	if doc.Kind() != KindPod {
		return nil
	}
	var pod corev1.Pod
	if err := yaml.Unmarshal(content, &pod); err != nil {
		return fmt.Errorf("decode pod: %w", err)
	}
	if len(pod.Spec.Containers) == 0 {
		return fmt.Errorf("pod %s has no containers", pod.Name)
	}
	if len(pod.Spec.Containers[0].Command) == 0 {
		return fmt.Errorf("pod %s: container %s has an empty command", pod.Name, pod.Spec.Containers[0].Name)
	}
	return nil
}

// ProbeTarget is the endpoint the kubelet itself probes for liveness.
type ProbeTarget struct {
	Host   string
	Port   int
	Path   string
	Scheme string
}

// LivenessTarget reads the first container's HTTP liveness probe.
func LivenessTarget(content []byte) (ProbeTarget, bool) {
	var pod corev1.Pod
	if err := yaml.Unmarshal(content, &pod); err != nil || len(pod.Spec.Containers) == 0 {
		return ProbeTarget{}, false
	}
	c := pod.Spec.Containers[0]
	if c.LivenessProbe == nil || c.LivenessProbe.HTTPGet == nil {
		return ProbeTarget{}, false
	}
	get := c.LivenessProbe.HTTPGet

	port := get.Port.IntValue()
	if port == 0 && get.Port.StrVal != "" {
		for _, p := range c.Ports {
			if p.Name == get.Port.StrVal {
				port = int(p.ContainerPort)
			}
		}
	}
	if port == 0 {
		return ProbeTarget{}, false
	}

	t := ProbeTarget{
		Host:   get.Host,
		Port:   port,
		Path:   get.Path,
		Scheme: strings.ToLower(string(get.Scheme)),
	}
	if t.Host == "" {
		t.Host = "127.0.0.1"
	}
	if t.Scheme == "" {
		t.Scheme = "http"
	}
	return t, true
}
