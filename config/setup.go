package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

var (
	// ErrDuplicateModuleName is returned when two module blocks share a label.
	ErrDuplicateModuleName = errors.New("config: duplicate module name")
	// ErrNoModules is returned when a setup file declares no module.
	ErrNoModules = errors.New("config: setup declares no modules")
)

// Setup is a parsed setup file.
type Setup struct {
	Name    string
	Modules []ModuleSpec
}

// Names returns the module names in declaration order.
func (s *Setup) Names() []string {
	names := make([]string, 0, len(s.Modules))
	for _, m := range s.Modules {
		names = append(names, m.Name)
	}
	return names
}

// ModuleSpec is one module block. Everything in the block other than
// factory is left for the module to decode into its own settings.
type ModuleSpec struct {
	Name    string
	Factory string
	Body    hcl.Body
	Range   hcl.Range

	evalCtx *hcl.EvalContext
}

// Decode decodes the module's own settings into target, a pointer to a
// struct with hcl tags. Expressions may refer to env.NAME.
func (m ModuleSpec) Decode(target any) error {
	if m.Body == nil {
		return nil
	}
	if diags := gohcl.DecodeBody(m.Body, m.evalCtx, target); diags.HasErrors() {
		return fmt.Errorf("failed to decode settings of module %q: %w", m.Name, diags)
	}
	return nil
}

type hclSetupFile struct {
	Name    string            `hcl:"setup_name,optional"`
	Modules []*hclModuleBlock `hcl:"module,block"`
}

type hclModuleBlock struct {
	Name    string   `hcl:"name,label"`
	Factory string   `hcl:"factory,optional"`
	Remain  hcl.Body `hcl:",remain"`
}

// LoadSetupFile reads and parses the setup file at path.
func LoadSetupFile(path string) (*Setup, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read setup file: %w", err)
	}
	return ParseSetup(src, path)
}

// ParseSetup parses setup file contents. filename is used in diagnostics.
func ParseSetup(src []byte, filename string) (*Setup, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse setup file %s: %w", filename, diags)
	}

	evalCtx := envEvalContext(os.Environ())

	var parsed hclSetupFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode setup file %s: %w", filename, diags)
	}
	if len(parsed.Modules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoModules, filename)
	}

	setup := &Setup{Name: parsed.Name}
	seen := make(map[string]bool, len(parsed.Modules))
	for _, block := range parsed.Modules {
		if seen[block.Name] {
			return nil, fmt.Errorf("%w: %q in %s", ErrDuplicateModuleName, block.Name, filename)
		}
		seen[block.Name] = true

		factory := block.Factory
		if factory == "" {
			factory = block.Name
		}
		setup.Modules = append(setup.Modules, ModuleSpec{
			Name:    block.Name,
			Factory: factory,
			Body:    block.Remain,
			Range:   block.Remain.MissingItemRange(),
			evalCtx: evalCtx,
		})
	}
	return setup, nil
}

// envEvalContext exposes the process environment to setup expressions as env.NAME.
func envEvalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
