package compose

import (
	"path"
	"sort"

	"dario.cat/mergo"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/types"
)

// SupportedVersions lists the accepted compose file versions
var SupportedVersions = []string{"3", "3.0", "3.1", "3.2", "3.3", "3.4", "3.5", "3.6", "3.7", "3.8", "3.9"}

// Merge combines fragments into one desired state. The base fragment comes
// first, then stacks in include order (depth first, each once), then
// overrides in the order given. Unreferenced stacks are not merged.
// Fragments whose source matches rules are dropped along with whatever only
// they include. Nothing partial is returned on error.
func Merge(fragments []*types.Fragment, rules *IgnoreRules) (*types.DesiredState, error) {
	pool := make(map[string]*types.Fragment, len(fragments))
	var base *types.Fragment
	var overrides []*types.Fragment
	for _, f := range fragments {
		if _, dup := pool[f.Name]; dup {
			return nil, errdefs.Configf(f.Name, "fragment loaded twice")
		}
		pool[f.Name] = f
		switch f.Kind {
		case types.FragmentBase:
			if base != nil {
				return nil, errdefs.Configf(f.Name, "second base fragment, %s is already the base", base.Name)
			}
			base = f
		case types.FragmentOverride:
			if !rules.Ignored(f.Source) {
				overrides = append(overrides, f)
			}
		}
	}
	if base == nil {
		return nil, errdefs.Configf("", "no base fragment")
	}
	if base.Version == "" {
		return nil, errdefs.Configf(base.Name, "compose version is required")
	}

	ordered, err := includeOrder(base, pool, rules)
	if err != nil {
		return nil, err
	}
	ordered = append(ordered, overrides...)

	m := &merger{
		services: make(map[string]*types.ServiceSpec),
		modeFrom: make(map[string]string),
		topology: mapset.NewThreadUnsafeSet[types.NodeID](),
	}
	for _, f := range ordered {
		if err := checkVersion(f); err != nil {
			return nil, err
		}
		m.topology.Append(f.Topology...)
		if err := m.mergeFragment(f); err != nil {
			return nil, err
		}
	}

	// retain: false and no retain mean the same thing, the digest must not tell them apart
	for _, svc := range m.services {
		if svc.Retain != nil && !*svc.Retain {
			svc.Retain = nil
		}
	}

	state := &types.DesiredState{Project: base.Project, Services: m.services}
	if err := validate(state, m.topology); err != nil {
		return nil, err
	}
	d, err := Digest(state)
	if err != nil {
		return nil, err
	}
	state.Digest = d
	return state, nil
}

// includeOrder walks includes depth first from the base
func includeOrder(base *types.Fragment, pool map[string]*types.Fragment, rules *IgnoreRules) ([]*types.Fragment, error) {
	var ordered []*types.Fragment
	done := make(map[string]bool)
	onPath := make(map[string]bool)

	var visit func(f *types.Fragment) error
	visit = func(f *types.Fragment) error {
		onPath[f.Name] = true
		done[f.Name] = true
		ordered = append(ordered, f)
		for _, name := range f.Includes {
			if onPath[name] {
				return errdefs.Configf(f.Name, "circular include of %s", name)
			}
			if done[name] {
				continue
			}
			inc, ok := pool[name]
			if !ok {
				if rules.Ignored(name) {
					continue
				}
				return errdefs.Configf(f.Name, "included fragment %s not found", name)
			}
			if rules.Ignored(inc.Source) {
				continue
			}
			if err := visit(inc); err != nil {
				return err
			}
		}
		onPath[f.Name] = false
		return nil
	}
	if err := visit(base); err != nil {
		return nil, err
	}
	return ordered, nil
}

func checkVersion(f *types.Fragment) error {
	if f.Version == "" && f.Kind != types.FragmentBase {
		return nil
	}
	for _, v := range SupportedVersions {
		if f.Version == v {
			return nil
		}
	}
	return errdefs.Configf(f.Name, "unsupported compose version %q", f.Version)
}

type merger struct {
	services map[string]*types.ServiceSpec
	modeFrom map[string]string // service -> non-override fragment that set network_mode
	topology mapset.Set[types.NodeID]
}

// scalars are the fields merged with last non-empty writer wins. Fields
// where an explicit zero is meaningful are merged by presence instead.
type scalars struct {
	Image       string
	NetworkMode string
	Command     []string
	Labels      map[string]string
}

func (m *merger) mergeFragment(f *types.Fragment) error {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := cloneSpec(f.Services[name])
		src.Name = name
		if src.Placement == nil && f.Kind == types.FragmentStack && f.DefaultPlacement != nil {
			p := *f.DefaultPlacement
			p.Nodes = append([]types.NodeID(nil), p.Nodes...)
			src.Placement = &p
		}

		if src.NetworkMode != "" && f.Kind != types.FragmentOverride {
			if prev, ok := m.modeFrom[name]; ok && m.services[name].NetworkMode != src.NetworkMode {
				return errdefs.Configf(f.Name, "service %s: network_mode %q conflicts with %q from %s",
					name, src.NetworkMode, m.services[name].NetworkMode, prev)
			}
			m.modeFrom[name] = f.Name
		}

		dst, ok := m.services[name]
		if !ok {
			m.services[name] = src
			continue
		}
		if err := mergeService(dst, src); err != nil {
			return &errdefs.ConfigError{Source: f.Name, Msg: "merging service " + name, Err: err}
		}
	}
	return nil
}

func mergeService(dst, src *types.ServiceSpec) error {
	d := scalars{dst.Image, dst.NetworkMode, dst.Command, dst.Labels}
	s := scalars{src.Image, src.NetworkMode, src.Command, src.Labels}
	if err := mergo.Merge(&d, s, mergo.WithOverride); err != nil {
		return err
	}
	dst.Image, dst.NetworkMode, dst.Command, dst.Labels = d.Image, d.NetworkMode, d.Command, d.Labels

	if src.Layer != nil {
		dst.Layer = src.Layer
	}
	if src.Retain != nil {
		dst.Retain = src.Retain
	}
	if src.HealthCheck != nil {
		dst.HealthCheck = src.HealthCheck
	}

	if len(src.Environment) > 0 {
		if dst.Environment == nil {
			dst.Environment = make(map[string]string, len(src.Environment))
		}
		for k, v := range src.Environment {
			dst.Environment[k] = v
		}
	}

	for _, v := range src.Volumes {
		replaced := false
		for i := range dst.Volumes {
			if dst.Volumes[i].Target == v.Target {
				dst.Volumes[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			dst.Volumes = append(dst.Volumes, v)
		}
	}

	for _, n := range src.Networks {
		if !contains(dst.Networks, n) {
			dst.Networks = append(dst.Networks, n)
		}
	}

	if src.Placement != nil {
		dst.Placement = src.Placement
	}
	return nil
}

// validate checks the merged result as a whole
func validate(state *types.DesiredState, topology mapset.Set[types.NodeID]) error {
	for _, name := range state.ServiceNames() {
		svc := state.Services[name]
		if svc.Image == "" {
			return errdefs.Configf(name, "service has no image")
		}
		if _, err := types.NormalizeImage(svc.Image); err != nil {
			return &errdefs.ConfigError{Source: name, Msg: "invalid image reference " + svc.Image, Err: err}
		}
		if svc.NetworkMode == "host" && len(svc.Networks) > 0 {
			return errdefs.Configf(name, "network_mode host cannot be combined with networks %v", svc.Networks)
		}
		for _, v := range svc.Volumes {
			if v.Target == "" || !path.IsAbs(v.Target) {
				return errdefs.Configf(name, "volume target %q must be an absolute path", v.Target)
			}
			if v.Type == types.VolumeBind && !path.IsAbs(v.Source) {
				return errdefs.Configf(name, "bind volume source %q must be an absolute path", v.Source)
			}
		}
		if p := svc.Placement; p != nil {
			if p.Replicas < 0 {
				return errdefs.Placementf(name, "replicas must not be negative")
			}
			if p.Mode == types.PlacementNodes && len(p.Nodes) == 0 {
				return errdefs.Placementf(name, "placement lists no nodes")
			}
			for _, id := range p.Nodes {
				if !topology.Contains(id) {
					return errdefs.Placementf(name, "node %d is not in the cluster topology", id)
				}
			}
		}
	}
	return nil
}

// cloneSpec deep-copies a spec so that merging never touches loaded fragments
func cloneSpec(s *types.ServiceSpec) *types.ServiceSpec {
	c := *s
	c.Environment = cloneMap(s.Environment)
	c.Labels = cloneMap(s.Labels)
	c.Volumes = append([]types.VolumeMount(nil), s.Volumes...)
	c.Networks = append([]string(nil), s.Networks...)
	c.Command = append([]string(nil), s.Command...)
	if s.Layer != nil {
		l := *s.Layer
		c.Layer = &l
	}
	if s.Retain != nil {
		r := *s.Retain
		c.Retain = &r
	}
	if s.Placement != nil {
		p := *s.Placement
		p.Nodes = append([]types.NodeID(nil), s.Placement.Nodes...)
		c.Placement = &p
	}
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		c.HealthCheck = &hc
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
