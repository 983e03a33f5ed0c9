package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"karen/internal/database"
	"karen/internal/models"
	"karen/internal/pluginrt"
)

// Plugin service errors
var (
	ErrPluginNotFound   = errors.New("plugin not found")
	ErrPluginDisabled   = errors.New("plugin is disabled")
	ErrPluginRuntimeOff = errors.New("plugin runtime is not configured")
)

// manifestFilename is the per-plugin descriptor each plugin directory carries
const manifestFilename = "manifest.yaml"

// BuiltinHandler executes a plugin that ships inside the server binary
type BuiltinHandler func(ctx context.Context, args map[string]any) (string, error)

// PluginService discovers plugins from manifest directories, tracks their
// enablement in the relational store and dispatches execution to either an
// in-process handler or the out-of-process runtime sandbox.
type PluginService struct {
	db        *database.DB
	runtime   *pluginrt.Executor // may be nil, disables sandbox plugins
	usage     UsageRecorder      // may be nil
	pluginDir string

	mu       sync.RWMutex
	plugins  map[string]*models.Plugin
	builtins map[string]BuiltinHandler

	watcher *fsnotify.Watcher
}

// NewPluginService creates the plugin registry and runs the initial manifest
// scan. A missing plugin directory is not an error; the registry starts empty.
func NewPluginService(db *database.DB, runtime *pluginrt.Executor, pluginDir string) *PluginService {
	s := &PluginService{
		db:        db,
		runtime:   runtime,
		pluginDir: pluginDir,
		plugins:   make(map[string]*models.Plugin),
		builtins:  make(map[string]BuiltinHandler),
	}

	if err := s.Reload(context.Background()); err != nil {
		log.Printf("⚠️ [PLUGIN] Initial manifest scan failed: %v", err)
	}

	return s
}

// SetUsageRecorder wires invocation recording
func (s *PluginService) SetUsageRecorder(usage UsageRecorder) {
	s.usage = usage
}

// RegisterBuiltin attaches an in-process handler for a plugin whose manifest
// declares runtime "builtin". The manifest still controls metadata and
// enablement; the handler supplies the behavior.
func (s *PluginService) RegisterBuiltin(name string, handler BuiltinHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builtins[name] = handler
}

// Reload rescans the plugin directory and rebuilds the registry. Enablement
// state survives reloads because it lives in the database keyed by name.
func (s *PluginService) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.plugins = make(map[string]*models.Plugin)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	discovered := make(map[string]*models.Plugin)
	now := time.Now().UTC()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(s.pluginDir, entry.Name())
		manifest, err := loadManifest(filepath.Join(dir, manifestFilename))
		if err != nil {
			log.Printf("⚠️ [PLUGIN] Skipping %s: %v", entry.Name(), err)
			continue
		}

		if _, dup := discovered[manifest.Name]; dup {
			log.Printf("⚠️ [PLUGIN] Duplicate plugin name %q in %s, keeping first", manifest.Name, entry.Name())
			continue
		}

		discovered[manifest.Name] = &models.Plugin{
			Manifest:  *manifest,
			Dir:       dir,
			Enabled:   false, // overlaid from plugin_states below
			LoadedAt:  now,
			UpdatedAt: now,
		}
	}

	if err := s.overlayStates(ctx, discovered); err != nil {
		log.Printf("⚠️ [PLUGIN] Failed to load enablement state: %v", err)
	}

	s.mu.Lock()
	s.plugins = discovered
	s.mu.Unlock()

	log.Printf("🔌 [PLUGIN] Registry loaded: %d plugins from %s", len(discovered), s.pluginDir)
	return nil
}

// loadManifest parses and validates one manifest.yaml
func loadManifest(path string) (*models.PluginManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no readable %s: %w", manifestFilename, err)
	}

	var manifest models.PluginManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest.Name = strings.TrimSpace(manifest.Name)
	if manifest.Name == "" {
		return nil, errors.New("manifest is missing a name")
	}
	if manifest.Version == "" {
		return nil, errors.New("manifest is missing a version")
	}
	if manifest.Runtime == "" {
		manifest.Runtime = "sandbox"
	}
	if manifest.Runtime != "sandbox" && manifest.Runtime != "builtin" {
		return nil, fmt.Errorf("unknown runtime %q", manifest.Runtime)
	}
	if manifest.Runtime == "sandbox" && manifest.Entrypoint == "" {
		return nil, errors.New("sandbox manifest is missing an entrypoint")
	}

	return &manifest, nil
}

// overlayStates applies persisted enable/disable decisions onto the
// freshly discovered set
func (s *PluginService) overlayStates(ctx context.Context, plugins map[string]*models.Plugin) error {
	rows, err := s.db.Query(ctx, `SELECT name, enabled, updated_by, updated_at FROM plugin_states`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, updatedBy string
		var enabled bool
		var updatedAt time.Time
		var updatedByNull *string
		if err := rows.Scan(&name, &enabled, &updatedByNull, &updatedAt); err != nil {
			return err
		}
		if updatedByNull != nil {
			updatedBy = *updatedByNull
		}

		if plugin, ok := plugins[name]; ok {
			plugin.Enabled = enabled
			plugin.UpdatedAt = updatedAt
			plugin.UpdatedBy = updatedBy
		}
	}
	return rows.Err()
}

// Watch starts a filesystem watcher on the plugin directory so manifest edits
// show up without a restart. Stops when ctx is cancelled.
func (s *PluginService) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plugin watcher: %w", err)
	}

	if err := watcher.Add(s.pluginDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.pluginDir, err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()

		// Editors fire bursts of events per save; collapse them into one
		// reload per quiet second.
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(1*time.Second, func() {
					log.Printf("🔌 [PLUGIN] Manifest change detected, reloading registry")
					if err := s.Reload(context.Background()); err != nil {
						log.Printf("⚠️ [PLUGIN] Reload failed: %v", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [PLUGIN] Watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 [PLUGIN] Watching %s for manifest changes", s.pluginDir)
	return nil
}

// List returns all discovered plugins sorted registry order
func (s *PluginService) List() []models.Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.Plugin, 0, len(s.plugins))
	for _, plugin := range s.plugins {
		list = append(list, *plugin)
	}
	return list
}

// Get returns one plugin by name
func (s *PluginService) Get(name string) (*models.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plugin, ok := s.plugins[name]
	if !ok {
		return nil, ErrPluginNotFound
	}
	copied := *plugin
	return &copied, nil
}

// Count returns the number of discovered plugins
func (s *PluginService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plugins)
}

// SetEnabled flips a plugin on or off and persists the decision so it
// survives restarts and manifest reloads
func (s *PluginService) SetEnabled(ctx context.Context, name string, enabled bool, adminID string) (*models.Plugin, error) {
	s.mu.Lock()
	plugin, ok := s.plugins[name]
	if !ok {
		s.mu.Unlock()
		return nil, ErrPluginNotFound
	}

	now := time.Now().UTC()
	plugin.Enabled = enabled
	plugin.UpdatedAt = now
	plugin.UpdatedBy = adminID
	copied := *plugin
	s.mu.Unlock()

	query := s.db.Rebind(`INSERT INTO plugin_states (name, enabled, updated_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_by = excluded.updated_by, updated_at = excluded.updated_at`)
	if _, err := s.db.Exec(ctx, query, name, enabled, adminID, now); err != nil {
		return nil, fmt.Errorf("failed to persist plugin state: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	log.Printf("🔌 [PLUGIN] %s %s by %s", name, state, adminID)
	return &copied, nil
}

// Execute runs a plugin and records the invocation. Disabled plugins are
// rejected before any dispatch happens.
func (s *PluginService) Execute(ctx context.Context, userID string, name string, req *models.PluginExecuteRequest) (*models.PluginExecuteResponse, error) {
	plugin, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if !plugin.Enabled {
		return nil, ErrPluginDisabled
	}

	if err := validateArgs(&plugin.Manifest, req.Args); err != nil {
		return nil, err
	}

	timeout := plugin.Manifest.Timeout
	if req.TimeoutSeconds > 0 && req.TimeoutSeconds < timeout {
		timeout = req.TimeoutSeconds
	}
	if timeout <= 0 {
		timeout = 30
	}

	start := time.Now()
	output, execErr := s.dispatch(ctx, plugin, req.Args, timeout)
	latency := time.Since(start)

	s.recordInvocation(ctx, userID, name, latency, execErr == nil)

	result := &models.PluginExecuteResponse{
		Plugin:     name,
		Success:    execErr == nil,
		Output:     output,
		DurationMS: latency.Milliseconds(),
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}
	return result, nil
}

// dispatch routes execution to the in-process handler or runtime sandbox
func (s *PluginService) dispatch(ctx context.Context, plugin *models.Plugin, args map[string]any, timeoutSeconds int) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	if plugin.Manifest.Runtime == "builtin" {
		s.mu.RLock()
		handler, ok := s.builtins[plugin.Manifest.Name]
		s.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("builtin plugin %s has no registered handler", plugin.Manifest.Name)
		}
		return handler(execCtx, args)
	}

	if s.runtime == nil {
		return "", ErrPluginRuntimeOff
	}

	resp, err := s.runtime.Execute(execCtx, pluginrt.ExecuteRequest{
		Plugin:     plugin.Manifest.Name,
		Entrypoint: plugin.Manifest.Entrypoint,
		Args:       args,
		Timeout:    timeoutSeconds,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		msg := "plugin execution failed"
		if resp.Error != nil {
			msg = *resp.Error
		}
		return resp.Output, errors.New(msg)
	}
	return resp.Output, nil
}

// validateArgs checks required parameters and rejects unknown ones
func validateArgs(manifest *models.PluginManifest, args map[string]any) error {
	known := make(map[string]bool, len(manifest.Parameters))
	problems := make(map[string]any)

	for _, param := range manifest.Parameters {
		known[param.Name] = true
		if param.Required {
			if _, ok := args[param.Name]; !ok {
				problems[param.Name] = "required parameter is missing"
			}
		}
	}
	for name := range args {
		if !known[name] {
			problems[name] = "unknown parameter"
		}
	}

	if len(problems) > 0 {
		return &PluginArgsError{Problems: problems}
	}
	return nil
}

// PluginArgsError reports manifest-level argument validation failures
type PluginArgsError struct {
	Problems map[string]any
}

func (e *PluginArgsError) Error() string {
	return fmt.Sprintf("invalid plugin arguments (%d problems)", len(e.Problems))
}

func (s *PluginService) recordInvocation(ctx context.Context, userID, name string, latency time.Duration, success bool) {
	if s.usage == nil {
		return
	}
	s.usage.Record(ctx, &models.UsageEvent{
		UserID:     userID,
		Kind:       models.UsageKindPlugin,
		PluginName: name,
		LatencyMS:  latency.Milliseconds(),
		Success:    success,
		CreatedAt:  time.Now().UTC(),
	})
}

// RuntimeHealthy reports whether the sandbox runtime answers its health
// endpoint. Used by the health handler.
func (s *PluginService) RuntimeHealthy(ctx context.Context) error {
	if s.runtime == nil {
		return ErrPluginRuntimeOff
	}
	return s.runtime.HealthCheck(ctx)
}
