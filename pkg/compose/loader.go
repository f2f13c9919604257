package compose

import (
	"context"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/overnode-org/overnode/pkg/errdefs"
	"github.com/overnode-org/overnode/pkg/log"
	"github.com/overnode-org/overnode/pkg/types"
)

const (
	// ProjectFile is the project descriptor at the root of a project directory
	ProjectFile = "overnode.yml"

	defaultEnvFile = ".env"
	remotePrefix   = "git+"
)

var projectIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Project is a loaded project directory
type Project struct {
	ID        string
	Version   string
	Nodes     []types.NodeID
	Fragments []*types.Fragment
	Ignore    *IgnoreRules
	Env       Environment
}

// Desired merges the project's fragments
func (p *Project) Desired() (*types.DesiredState, error) {
	return Merge(p.Fragments, p.Ignore)
}

// Loader reads a project and every fragment it references
type Loader struct {
	fs      billy.Filesystem
	env     Environment
	fetcher Fetcher
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithEnvironment replaces the process environment used for interpolation
func WithEnvironment(env Environment) LoaderOption {
	return func(l *Loader) { l.env = env }
}

// WithFetcher sets how git stacks are retrieved
func WithFetcher(f Fetcher) LoaderOption {
	return func(l *Loader) { l.fetcher = f }
}

// NewLoader creates a loader rooted at fs
func NewLoader(fs billy.Filesystem, opts ...LoaderOption) *Loader {
	l := &Loader{fs: fs}
	for _, opt := range opts {
		opt(l)
	}
	if l.env == nil {
		l.env = OSEnvironment()
	}
	if l.fetcher == nil {
		l.fetcher = NewGitFetcher()
	}
	return l
}

// NewDirLoader creates a loader for a project directory on the local disk
func NewDirLoader(dir string, opts ...LoaderOption) *Loader {
	return NewLoader(osfs.New(dir), opts...)
}

// Load reads overnode.yml, the dotenv file, the ignore file and every
// stack and override fragment. Includes that are missing or ignored are
// left for Merge to resolve.
func (l *Loader) Load(ctx context.Context) (*Project, error) {
	raw, err := readFile(l.fs, ProjectFile)
	if err != nil {
		return nil, errors.Wrapf(err, "loading project")
	}

	// env_file has to be known before the rest of the file can be interpolated
	var head struct {
		EnvFile string `yaml:"env_file"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return nil, &errdefs.ConfigError{Source: ProjectFile, Msg: "invalid yaml", Err: err}
	}
	env, err := l.environment(head.EnvFile)
	if err != nil {
		return nil, err
	}

	text, err := env.Interpolate(string(raw))
	if err != nil {
		return nil, &errdefs.ConfigError{Source: ProjectFile, Msg: "interpolation failed", Err: err}
	}
	var doc projectDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &errdefs.ConfigError{Source: ProjectFile, Msg: "invalid yaml", Err: err}
	}
	if !projectIDPattern.MatchString(doc.ID) {
		return nil, errdefs.Configf(ProjectFile, "project id %q must match %s", doc.ID, projectIDPattern)
	}

	ignore, err := l.ignoreRules()
	if err != nil {
		return nil, err
	}

	base, err := toFragment(ProjectFile, ProjectFile, types.FragmentBase, &fileDoc{
		Version:  doc.Version,
		Services: doc.Services,
		Overnode: &fileExt{Nodes: doc.Nodes},
	}, env, nil)
	if err != nil {
		return nil, err
	}
	base.Project = doc.ID

	s := &loadSession{ctx: ctx, loader: l, env: env, ignore: ignore, loaded: make(map[string]bool)}
	s.add(base)

	for i, stack := range doc.Stacks {
		names, err := s.loadStack(stack)
		if err != nil {
			return nil, errors.Wrapf(err, "loading stack %d", i+1)
		}
		base.Includes = append(base.Includes, names...)
	}

	for _, file := range doc.Overrides {
		name := cleanPath(file)
		if ignore.Ignored(name) {
			continue
		}
		if _, err := s.loadFile(l.fs, name, "", types.FragmentOverride, nil); err != nil {
			return nil, errors.Wrapf(err, "loading override %s", name)
		}
	}

	logger := log.WithProject(doc.ID)
	logger.Debug().Int("fragments", len(s.fragments)).Msg("Project loaded")

	return &Project{
		ID:        doc.ID,
		Version:   string(doc.Version),
		Nodes:     nodeIDs(doc.Nodes),
		Fragments: s.fragments,
		Ignore:    ignore,
		Env:       env,
	}, nil
}

// environment layers the process environment over the dotenv file
func (l *Loader) environment(envFile string) (Environment, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = defaultEnvFile
	}
	data, err := readFile(l.fs, envFile)
	if os.IsNotExist(errors.Cause(err)) && !explicit {
		return l.env.Merge(nil), nil
	}
	if err != nil {
		return nil, &errdefs.ConfigError{Source: envFile, Msg: "cannot read env file", Err: err}
	}
	dotenv, err := ParseDotenv(data)
	if err != nil {
		return nil, &errdefs.ConfigError{Source: envFile, Msg: "invalid env file", Err: err}
	}
	return dotenv.Merge(l.env), nil
}

func (l *Loader) ignoreRules() (*IgnoreRules, error) {
	f, err := l.fs.Open(IgnoreFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", IgnoreFile)
	}
	defer f.Close()
	rules, err := ReadIgnoreRules(f)
	if err != nil {
		return nil, &errdefs.ConfigError{Source: IgnoreFile, Msg: "invalid ignore file", Err: err}
	}
	return rules, nil
}

// loadSession tracks fragments loaded during one Load call
type loadSession struct {
	ctx       context.Context
	loader    *Loader
	env       Environment
	ignore    *IgnoreRules
	loaded    map[string]bool
	fragments []*types.Fragment
}

func (s *loadSession) add(f *types.Fragment) {
	s.loaded[f.Name] = true
	s.fragments = append(s.fragments, f)
}

// loadStack loads a stack entry and returns the names of its top-level fragments
func (s *loadSession) loadStack(stack stackDoc) ([]string, error) {
	fs := s.loader.fs
	prefix := ""
	if stack.Git != "" {
		remote, err := s.loader.fetcher.Fetch(s.ctx, stack.Git, stack.Ref)
		if err != nil {
			return nil, &errdefs.ConfigError{Source: stack.Git, Msg: "cannot fetch stack", Err: err}
		}
		fs = remote
		prefix = remotePrefix + stack.Git + "@" + stack.Ref + "//"
	} else if stack.Path == "" {
		return nil, errdefs.Configf(ProjectFile, "stack needs a path or a git url")
	}

	p := cleanPath(stack.Path)
	info, err := fs.Stat(p)
	if err != nil {
		return nil, &errdefs.ConfigError{Source: prefix + p, Msg: "stack not found", Err: err}
	}

	files := []string{p}
	if info.IsDir() {
		entries, err := fs.ReadDir(p)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", p)
		}
		files = files[:0]
		for _, e := range entries {
			ext := path.Ext(e.Name())
			if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
				continue
			}
			files = append(files, path.Join(p, e.Name()))
		}
		sort.Strings(files)
	}

	defaults := stack.Placement.toPlacement()
	var names []string
	for _, file := range files {
		name := prefix + file
		if prefix == "" && s.ignore.Ignored(name) {
			continue
		}
		if _, err := s.loadFile(fs, file, prefix, types.FragmentStack, defaults); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// loadFile loads one compose file and, recursively, the files it includes.
// Fragment names are prefix + the file's clean path inside fs.
func (s *loadSession) loadFile(fs billy.Filesystem, file, prefix string, kind types.FragmentKind, defaults *types.Placement) (*types.Fragment, error) {
	if kind != types.FragmentStack {
		prefix = ""
	}
	name := prefix + file
	if s.loaded[name] {
		return nil, nil
	}

	raw, err := readFile(fs, file)
	if err != nil {
		return nil, &errdefs.ConfigError{Source: name, Msg: "cannot read file", Err: err}
	}
	text, err := s.env.Interpolate(string(raw))
	if err != nil {
		return nil, &errdefs.ConfigError{Source: name, Msg: "interpolation failed", Err: err}
	}
	var doc fileDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &errdefs.ConfigError{Source: name, Msg: "invalid yaml", Err: err}
	}

	frag, err := toFragment(name, name, kind, &doc, s.env, defaults)
	if err != nil {
		return nil, err
	}
	s.add(frag)

	if doc.Overnode == nil {
		return frag, nil
	}
	dir := path.Dir(file)
	for _, inc := range doc.Overnode.Include {
		incFile := cleanPath(path.Join(dir, inc))
		incName := prefix + incFile
		frag.Includes = append(frag.Includes, incName)
		if s.loaded[incName] || (prefix == "" && s.ignore.Ignored(incName)) {
			continue
		}
		if _, err := fs.Stat(incFile); os.IsNotExist(err) {
			continue
		}
		if _, err := s.loadFile(fs, incFile, prefix, types.FragmentStack, defaults); err != nil {
			return nil, err
		}
	}
	return frag, nil
}

// toFragment converts a parsed compose document
func toFragment(name, source string, kind types.FragmentKind, doc *fileDoc, env Environment, defaults *types.Placement) (*types.Fragment, error) {
	frag := &types.Fragment{
		Name:             name,
		Source:           source,
		Kind:             kind,
		Version:          string(doc.Version),
		Services:         make(map[string]*types.ServiceSpec, len(doc.Services)),
		DefaultPlacement: defaults,
	}
	if doc.Overnode != nil {
		frag.Topology = nodeIDs(doc.Overnode.Nodes)
		if frag.DefaultPlacement == nil {
			frag.DefaultPlacement = doc.Overnode.Placement.toPlacement()
		}
	}

	for svcName, svc := range doc.Services {
		if svc == nil {
			svc = &serviceDoc{}
		}
		spec, err := toServiceSpec(svcName, svc, env)
		if err != nil {
			return nil, &errdefs.ConfigError{Source: name, Msg: "service " + svcName, Err: err}
		}
		if len(svc.ignored) > 0 {
			logger := log.WithComponent("compose")
			logger.Warn().Str("fragment", name).Str("service", svcName).Strs("keys", svc.ignored).
				Msg("Ignoring compose keys the engine does not manage")
		}
		frag.Services[svcName] = spec
	}
	return frag, nil
}

func toServiceSpec(name string, svc *serviceDoc, env Environment) (*types.ServiceSpec, error) {
	spec := &types.ServiceSpec{
		Name:        name,
		Image:       svc.Image,
		Environment: svc.Environment.resolve(env),
		Networks:    []string(svc.Networks),
		NetworkMode: svc.NetworkMode,
		Command:     []string(svc.Command),
		Labels:      svc.Labels.resolve(nil),
	}
	for _, v := range svc.Volumes {
		spec.Volumes = append(spec.Volumes, types.VolumeMount{
			Type:     types.VolumeType(v.Type),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	if ext := svc.Overnode; ext != nil {
		spec.Layer = ext.Layer
		spec.Retain = ext.Retain
		spec.Placement = ext.Placement.toPlacement()
		hc, err := ext.HealthCheck.toHealthCheck()
		if err != nil {
			return nil, err
		}
		spec.HealthCheck = hc
	}
	return spec, nil
}

// resolve turns entries into a plain map. Entries without a value are
// looked up in env and dropped when env does not define them.
func (l listOrMap) resolve(env Environment) map[string]string {
	if len(l) == 0 {
		return nil
	}
	out := make(map[string]string, len(l))
	for k, v := range l {
		if v != nil {
			out[k] = *v
			continue
		}
		if env == nil {
			out[k] = ""
			continue
		}
		if val, ok := env[k]; ok {
			out[k] = val
		}
	}
	return out
}

func readFile(fs billy.Filesystem, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return data, nil
}

func cleanPath(p string) string {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	return strings.TrimPrefix(p, "/")
}
