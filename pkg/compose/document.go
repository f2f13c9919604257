package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/overnode-org/overnode/pkg/types"
)

// projectDoc is the on-disk shape of overnode.yml
type projectDoc struct {
	ID        string                 `yaml:"id"`
	Version   versionDoc             `yaml:"version"`
	Nodes     []int                  `yaml:"nodes"`
	EnvFile   string                 `yaml:"env_file"`
	Stacks    []stackDoc             `yaml:"stacks"`
	Overrides []string               `yaml:"overrides"`
	Services  map[string]*serviceDoc `yaml:"services"`
}

// stackDoc references a local directory or file, or a path inside a git repository
type stackDoc struct {
	Path      string        `yaml:"path"`
	Git       string        `yaml:"git"`
	Ref       string        `yaml:"ref"`
	Placement *placementDoc `yaml:"placement"`
}

func (s *stackDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		s.Path = n.Value
		return nil
	}
	type plain stackDoc
	return n.Decode((*plain)(s))
}

// fileDoc is one compose file
type fileDoc struct {
	Version  versionDoc             `yaml:"version"`
	Services map[string]*serviceDoc `yaml:"services"`
	Overnode *fileExt               `yaml:"x-overnode"`
}

type fileExt struct {
	Include   []string      `yaml:"include"`
	Nodes     []int         `yaml:"nodes"`
	Placement *placementDoc `yaml:"placement"`
}

type serviceDoc struct {
	Image       string      `yaml:"image"`
	Environment listOrMap   `yaml:"environment"`
	Volumes     []volumeDoc `yaml:"volumes"`
	Networks    networksDoc `yaml:"networks"`
	NetworkMode string      `yaml:"network_mode"`
	Command     commandDoc  `yaml:"command"`
	Labels      listOrMap   `yaml:"labels"`
	Overnode    *serviceExt `yaml:"x-overnode"`

	// compose keys present in the file that the engine does not act on
	ignored []string
}

var (
	serviceKeys = mapset.NewThreadUnsafeSet(
		"image", "environment", "volumes", "networks", "network_mode", "command", "labels", "x-overnode")

	// composeOnlyKeys are valid compose service keys that are accepted and left alone
	composeOnlyKeys = mapset.NewThreadUnsafeSet(
		"cap_add", "cap_drop", "cgroup_parent", "container_name", "depends_on", "deploy", "devices",
		"dns", "dns_search", "domainname", "entrypoint", "env_file", "expose", "extra_hosts",
		"healthcheck", "hostname", "init", "ipc", "links", "logging", "pid", "ports", "privileged",
		"read_only", "restart", "security_opt", "shm_size", "stdin_open", "stop_grace_period",
		"stop_signal", "sysctls", "tmpfs", "tty", "ulimits", "user", "working_dir")

	serviceExtKeys  = mapset.NewThreadUnsafeSet("layer", "placement", "retain", "healthcheck")
	healthCheckKeys = mapset.NewThreadUnsafeSet("type", "endpoint", "interval", "timeout", "retries")
)

func (s *serviceDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: service must be a mapping", n.Line)
	}
	var ignored []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i]
		switch {
		case serviceKeys.Contains(k.Value):
		case composeOnlyKeys.Contains(k.Value):
			ignored = append(ignored, k.Value)
		default:
			return fmt.Errorf("line %d: unknown service key %q", k.Line, k.Value)
		}
	}
	type plain serviceDoc
	if err := n.Decode((*plain)(s)); err != nil {
		return err
	}
	s.ignored = ignored
	return nil
}

type serviceExt struct {
	Layer       *int            `yaml:"layer"`
	Placement   *placementDoc   `yaml:"placement"`
	Retain      *bool           `yaml:"retain"`
	HealthCheck *healthCheckDoc `yaml:"healthcheck"`
}

func (e *serviceExt) UnmarshalYAML(n *yaml.Node) error {
	if err := knownKeys(n, serviceExtKeys, "x-overnode"); err != nil {
		return err
	}
	type plain serviceExt
	return n.Decode((*plain)(e))
}

type healthCheckDoc struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
	Retries  int    `yaml:"retries"`
}

func (h *healthCheckDoc) UnmarshalYAML(n *yaml.Node) error {
	if err := knownKeys(n, healthCheckKeys, "healthcheck"); err != nil {
		return err
	}
	type plain healthCheckDoc
	return n.Decode((*plain)(h))
}

// knownKeys rejects a mapping carrying keys outside known
func knownKeys(n *yaml.Node, known mapset.Set[string], what string) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s must be a mapping", n.Line, what)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if k := n.Content[i]; !known.Contains(k.Value) {
			return fmt.Errorf("line %d: unknown %s key %q", k.Line, what, k.Value)
		}
	}
	return nil
}

// versionDoc keeps the literal text so that 3.10 is not read as 3.1
type versionDoc string

func (v *versionDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: version must be a scalar", n.Line)
	}
	*v = versionDoc(n.Value)
	return nil
}

// listOrMap accepts both `KEY: value` mappings and `- KEY=value` lists.
// A list entry without '=' is kept with a nil value and resolved later.
type listOrMap map[string]*string

func (l *listOrMap) UnmarshalYAML(n *yaml.Node) error {
	out := make(listOrMap)
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if v.Tag == "!!null" {
				out[k.Value] = nil
				continue
			}
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: value of %s must be a scalar", v.Line, k.Value)
			}
			val := v.Value
			out[k.Value] = &val
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list entries must be scalars", item.Line)
			}
			key, val, ok := strings.Cut(item.Value, "=")
			if !ok {
				out[key] = nil
				continue
			}
			out[key] = &val
		}
	default:
		return fmt.Errorf("line %d: expected a mapping or a list", n.Line)
	}
	*l = out
	return nil
}

// volumeDoc accepts the short `source:target[:mode]` form and the long mapping form
type volumeDoc struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

func (v *volumeDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		return v.parseShort(n.Value)
	}
	type plain volumeDoc
	if err := n.Decode((*plain)(v)); err != nil {
		return err
	}
	if v.Type == "" {
		v.Type = string(volumeTypeOf(v.Source))
	}
	return nil
}

func (v *volumeDoc) parseShort(s string) error {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		v.Target = parts[0]
		v.Type = string(types.VolumeNamed)
	case 2, 3:
		v.Source, v.Target = parts[0], parts[1]
		v.Type = string(volumeTypeOf(v.Source))
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
				v.ReadOnly = true
			case "rw":
			default:
				return fmt.Errorf("volume %q: unknown mode %q", s, parts[2])
			}
		}
	default:
		return fmt.Errorf("volume %q: too many fields", s)
	}
	return nil
}

// volumeTypeOf tells a host path from a named volume the way compose does
func volumeTypeOf(source string) types.VolumeType {
	if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") {
		return types.VolumeBind
	}
	return types.VolumeNamed
}

// networksDoc accepts a list of names or a mapping keyed by name
type networksDoc []string

func (nd *networksDoc) UnmarshalYAML(n *yaml.Node) error {
	var names []string
	switch n.Kind {
	case yaml.SequenceNode:
		if err := n.Decode(&names); err != nil {
			return err
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			names = append(names, n.Content[i].Value)
		}
		sort.Strings(names)
	default:
		return fmt.Errorf("line %d: networks must be a list or a mapping", n.Line)
	}
	*nd = names
	return nil
}

// commandDoc accepts a string, split on whitespace, or an argv list
type commandDoc []string

func (c *commandDoc) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(n.Value)
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := n.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", n.Line)
}

// placementDoc accepts `all`, a list of node ids, or {nodes, replicas}
type placementDoc struct {
	All      bool
	Nodes    []int
	Replicas int
}

func (p *placementDoc) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == string(types.PlacementAll) {
			p.All = true
			return nil
		}
		id, err := strconv.Atoi(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: placement must be 'all', a node id or a list of node ids", n.Line)
		}
		p.Nodes = []int{id}
		return nil
	case yaml.SequenceNode:
		return n.Decode(&p.Nodes)
	case yaml.MappingNode:
		var raw struct {
			Nodes    yaml.Node `yaml:"nodes"`
			Replicas int       `yaml:"replicas"`
		}
		if err := n.Decode(&raw); err != nil {
			return err
		}
		p.Replicas = raw.Replicas
		if raw.Nodes.Kind == 0 {
			p.All = true
			return nil
		}
		var nodes placementDoc
		if err := nodes.UnmarshalYAML(&raw.Nodes); err != nil {
			return err
		}
		p.All, p.Nodes = nodes.All, nodes.Nodes
		return nil
	}
	return fmt.Errorf("line %d: invalid placement", n.Line)
}

func (p *placementDoc) toPlacement() *types.Placement {
	if p == nil {
		return nil
	}
	if p.All {
		return &types.Placement{Mode: types.PlacementAll, Replicas: p.Replicas}
	}
	return &types.Placement{Mode: types.PlacementNodes, Nodes: nodeIDs(p.Nodes), Replicas: p.Replicas}
}

func (h *healthCheckDoc) toHealthCheck() (*types.HealthCheck, error) {
	if h == nil {
		return nil, nil
	}
	hc := &types.HealthCheck{
		Type:     types.HealthCheckType(h.Type),
		Endpoint: h.Endpoint,
		Retries:  h.Retries,
	}
	if hc.Type == "" {
		hc.Type = types.HealthCheckHTTP
	}
	if hc.Type != types.HealthCheckHTTP && hc.Type != types.HealthCheckTCP {
		return nil, fmt.Errorf("healthcheck type %q is not one of http, tcp", h.Type)
	}
	if hc.Endpoint == "" {
		return nil, fmt.Errorf("healthcheck endpoint is required")
	}
	var err error
	if hc.Interval, err = parseDuration(h.Interval); err != nil {
		return nil, fmt.Errorf("healthcheck interval: %w", err)
	}
	if hc.Timeout, err = parseDuration(h.Timeout); err != nil {
		return nil, fmt.Errorf("healthcheck timeout: %w", err)
	}
	return hc, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func nodeIDs(ids []int) []types.NodeID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]types.NodeID, len(ids))
	for i, id := range ids {
		out[i] = types.NodeID(id)
	}
	return out
}
