package definition

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/urbanpulse/conductor/internal/agents"
	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/internal/validation"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// DefaultVersion is assigned to definitions that omit a version.
const DefaultVersion = "1.0.0"

// Loader parses workflow YAML files, applies defaults and runs the full
// validation pipeline before a definition is accepted.
type Loader struct {
	validator *validation.WorkflowValidator
	registry  *agents.Registry
	logger    *slog.Logger
}

// NewLoader creates a Loader. registry may be nil to skip agent existence
// and config checks (definitions are then only structurally validated).
func NewLoader(registry *agents.Registry, logger *slog.Logger) (*Loader, error) {
	var lookup validation.AgentLookup
	if registry != nil {
		lookup = registry
	}
	wv, err := validation.NewWorkflowValidator(lookup)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		validator: wv,
		registry:  registry,
		logger:    logger,
	}, nil
}

// Parse decodes a workflow definition from YAML, applies defaults and
// validates it. Unknown fields are rejected.
func (l *Loader) Parse(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow yaml: %s", err.Error()).WithCause(err)
	}

	applyDefaults(&def)

	if err := l.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	if err := l.validateAgentConfigs(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

// LoadFile parses and validates a single workflow file.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read workflow file %s: %s", path, err.Error()).WithCause(err)
	}
	def, err := l.Parse(data)
	if err != nil {
		if cerr, ok := err.(*schema.ConductorError); ok {
			return nil, cerr.WithDetails(mergeDetails(cerr.Details, map[string]any{"file": path}))
		}
		return nil, err
	}
	return def, nil
}

// LoadDir loads every *.yaml / *.yml file under dir (non-recursive dotdirs
// skipped). Returns definitions sorted by name for deterministic registration.
func (l *Loader) LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	names := make(map[string]string) // workflow name → file

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(d.Name())
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		def, loadErr := l.LoadFile(path)
		if loadErr != nil {
			return fmt.Errorf("load %s: %w", path, loadErr)
		}

		if prev, dup := names[def.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q defined in both %s and %s", def.Name, prev, path)
		}
		names[def.Name] = path
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Sync loads all definitions under dir and registers them in the store.
// Existing (name, version) entries are overwritten. Returns the number of
// workflows registered.
func (l *Loader) Sync(ctx context.Context, st store.Store, dir string) (int, error) {
	defs, err := l.LoadDir(dir)
	if err != nil {
		return 0, err
	}

	for _, def := range defs {
		wf := &store.StoredWorkflow{
			Name:        def.Name,
			Version:     def.Version,
			Description: descriptionOf(def),
			Definition:  *def,
			SourcePath:  dir,
		}
		if err := st.StoreWorkflow(ctx, wf); err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeStore, "register workflow %s: %s", def.Name, err.Error()).WithCause(err)
		}
		l.logger.Info("workflow registered", "workflow", def.Name, "version", def.Version)
	}
	return len(defs), nil
}

// validateAgentConfigs runs each referenced agent's own config validation.
// Disabled agents are skipped: their config is never used.
func (l *Loader) validateAgentConfigs(def *schema.WorkflowDefinition) error {
	if l.registry == nil {
		return nil
	}
	for _, phase := range def.Phases {
		for _, ref := range phase.Agents {
			if !ref.IsEnabled() {
				continue
			}
			agent, err := l.registry.Get(ref.Uses)
			if err != nil {
				return err
			}
			if err := agent.Validate(ref.Config); err != nil {
				if cerr, ok := err.(*schema.ConductorError); ok {
					return cerr.WithPhase(phase.Name).WithAgent(ref.ID)
				}
				return schema.NewErrorf(schema.ErrCodeValidation,
					"agent %s config: %s", ref.ID, err.Error()).
					WithPhase(phase.Name).WithAgent(ref.ID).WithCause(err)
			}
		}
	}
	return nil
}

func applyDefaults(def *schema.WorkflowDefinition) {
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	for i := range def.Phases {
		if def.Phases[i].Mode == "" {
			def.Phases[i].Mode = schema.PhaseModeParallel
		}
	}
}

func descriptionOf(def *schema.WorkflowDefinition) string {
	if def.Metadata == nil {
		return ""
	}
	if desc, ok := def.Metadata["description"].(string); ok {
		return desc
	}
	return ""
}

func mergeDetails(existing, extra map[string]any) map[string]any {
	if existing == nil {
		return extra
	}
	for k, v := range extra {
		existing[k] = v
	}
	return existing
}
