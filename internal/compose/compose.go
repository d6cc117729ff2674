// Package compose wraps the docker compose backend: it renders a merged
// project specification, brings named services up and down, and follows the
// backend's lifecycle event stream.
package compose

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/seguro-projekt/platform/pkg/logger"
)

// DefaultNetwork is the platform's shared external network. All launched
// services join it so they can reach the store and the broker.
const DefaultNetwork = "platform_default"

// Composer renders compose specifications and invokes the backend CLI.
type Composer struct {
	name string
	log  zerolog.Logger

	mu       sync.Mutex
	services map[string]*Service
	watch    *exec.Cmd
	watchWG  sync.WaitGroup
}

// NewComposer creates a composer managing the named compose project.
func NewComposer(name string, log zerolog.Logger) *Composer {
	return &Composer{
		name:     name,
		log:      logger.Component(log, "composer"),
		services: make(map[string]*Service),
	}
}

// Service is a named binding into the composer's project specification.
type Service struct {
	composer *Composer

	Name          string
	Scale         int
	ForceRecreate bool
	Build         bool

	spec map[string]any
}

// NewService registers a service definition with the composer's project.
// Registering a name again replaces the previous definition.
func (c *Composer) NewService(name string, spec map[string]any, scale int, forceRecreate, build bool) *Service {
	svc := &Service{
		composer:      c,
		Name:          name,
		Scale:         scale,
		ForceRecreate: forceRecreate,
		Build:         build,
		spec:          spec,
	}

	c.mu.Lock()
	c.services[name] = svc
	c.mu.Unlock()

	return svc
}

// RemoveService drops a service definition from the project.
func (c *Composer) RemoveService(name string) {
	c.mu.Lock()
	delete(c.services, name)
	c.mu.Unlock()
}

// Start brings the service up detached, applying the given overlays on top
// of the project specification.
func (s *Service) Start(overlays []map[string]any) error {
	// The event reader holds a rendered copy of the previous project
	// spec; terminate it so the next watch sees the current one.
	s.composer.stopEventWatcher()

	args := []string{"up", "--detach", "--quiet-pull"}

	if s.Scale > 1 {
		args = append(args, "--scale", fmt.Sprintf("%s=%d", s.Name, s.Scale))
	}
	if s.ForceRecreate {
		args = append(args, "--force-recreate")
	}
	if s.Build {
		args = append(args, "--build")
	}

	args = append(args, s.Name)

	return s.composer.compose(args, overlays)
}

// Stop takes the service down.
func (s *Service) Stop() error {
	return s.composer.compose([]string{"down", s.Name}, nil)
}

// Spec returns a copy of the service definition with relative env_file
// entries rewritten to absolute paths. The backend resolves env_file
// relative to the rendered compose file, which lives in a temp directory,
// not in the scheduler's working directory.
func (s *Service) Spec() map[string]any {
	spec := deepCopyValue(s.spec).(map[string]any)

	switch envFiles := spec["env_file"].(type) {
	case string:
		spec["env_file"] = absPath(envFiles)
	case []any:
		abs := make([]any, len(envFiles))
		for i, f := range envFiles {
			if path, ok := f.(string); ok {
				abs[i] = absPath(path)
			} else {
				abs[i] = f
			}
		}
		spec["env_file"] = abs
	}

	return spec
}

func absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// ProjectSpec renders the full project specification: all registered
// services plus the canonical external default network, which the backend
// must not attempt to create.
func (c *Composer) ProjectSpec() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	services := make(map[string]any, len(c.services))
	for name, svc := range c.services {
		services[name] = svc.Spec()
	}

	return map[string]any{
		"services": services,
		"networks": map[string]any{
			"default": map[string]any{
				"external": true,
				"name":     DefaultNetwork,
			},
		},
	}
}

// RemoveOrphans takes down services that are absent from the current
// project specification.
func (c *Composer) RemoveOrphans() error {
	return c.compose([]string{"down", "--remove-orphans"}, nil)
}

// compose merges the overlays onto the project spec, renders the result to
// a temp file and invokes the backend. The file is removed on every exit
// path.
func (c *Composer) compose(args []string, overlays []map[string]any) error {
	spec := MergeAll(c.ProjectSpec(), overlays...)

	file, err := c.renderLayer(spec)
	if err != nil {
		return err
	}
	defer os.Remove(file)

	argv := composeArgs(c.name, []string{file}, args)

	c.log.Info().Str("cmd", strings.Join(argv, " ")).Msg("Running compose backend")

	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Error().
			Err(err).
			Str("output", string(out)).
			Msg("Compose backend failed")
		return fmt.Errorf("compose %s failed: %w", args[0], err)
	}

	return nil
}

// composeArgs assembles the backend command line.
func composeArgs(project string, files []string, args []string) []string {
	argv := []string{
		"docker", "compose",
		"--project-name", project,
		"--ansi", "never",
		"--progress", "plain",
	}

	for _, f := range files {
		argv = append(argv, "--file", f)
	}

	return append(argv, args...)
}

func (c *Composer) renderLayer(layer map[string]any) (string, error) {
	data, err := yaml.Marshal(layer)
	if err != nil {
		return "", fmt.Errorf("failed to render compose file: %w", err)
	}

	file, err := os.CreateTemp("", "compose-*.yaml")
	if err != nil {
		return "", fmt.Errorf("failed to create compose file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write compose file: %w", err)
	}

	c.log.Debug().Str("file", file.Name()).Str("spec", string(data)).Msg("Rendered compose file")

	return file.Name(), nil
}

// composeEvent is one record of the backend's `events --json` stream.
type composeEvent struct {
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes"`
}

// WatchEvents starts a child process following the backend's lifecycle
// event stream and logs each record. The reader runs until StopEventWatcher
// is called or a service start terminates it.
func (c *Composer) WatchEvents() error {
	c.stopEventWatcher()

	path, err := c.renderLayer(c.ProjectSpec())
	if err != nil {
		return err
	}

	cmd := exec.Command("docker", "compose", "--file", path, "events", "--json")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to open event stream: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to start event reader: %w", err)
	}

	c.mu.Lock()
	c.watch = cmd
	c.mu.Unlock()

	c.watchWG.Add(1)
	go func() {
		defer c.watchWG.Done()
		defer os.Remove(path)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var ev composeEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				c.log.Warn().Err(err).Msg("Dropping malformed backend event")
				continue
			}

			c.log.Info().
				Str("action", ev.Action).
				Str("name", ev.Attributes["name"]).
				Str("image", ev.Attributes["image"]).
				Msg("Container event")
		}
	}()

	return nil
}

// StopEventWatcher terminates the event reader, if any.
func (c *Composer) StopEventWatcher() {
	c.stopEventWatcher()
}

func (c *Composer) stopEventWatcher() {
	c.mu.Lock()
	cmd := c.watch
	c.watch = nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Kill(); err != nil {
		c.log.Debug().Err(err).Msg("Event reader already gone")
	}

	c.watchWG.Wait()
}

// ServiceNames lists the registered services in stable order.
func (c *Composer) ServiceNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
