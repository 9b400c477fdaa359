package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rbac.rego
var defaultModule string

const (
	defaultEntrypoint = "authz/allow"
	defaultModuleName = "rbac.rego"

	// RowPermission and RowRole are the row types the default module reads.
	RowPermission = "p"
	RowRole       = "g"
)

var defaultRoleFields = []string{"member", "role"}

// ErrInvalidModel is returned when a model document cannot be used.
var ErrInvalidModel = errors.New("invalid model")

// Model describes the request shape and the policy row types an engine
// understands, plus the Rego that decides.
type Model struct {
	// Request names the positional request fields, e.g. [sub, act, obj].
	Request []string `yaml:"request" json:"request"`
	// Policy maps a row type to the names of its fields (excluding the type column).
	Policy map[string][]string `yaml:"policy" json:"policy"`
	// Entrypoint is the decision path, e.g. "authz/allow".
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`
	// Module is Rego (v1 syntax). Empty selects the embedded RBAC module.
	Module string `yaml:"module" json:"module"`
}

// ParseModel decodes a YAML (or JSON) model document and applies defaults.
func ParseModel(data []byte) (Model, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Model{}, fmt.Errorf("%w: empty document", ErrInvalidModel)
	}

	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Model{}, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return Model{}, err
	}
	return m, nil
}

func (m *Model) applyDefaults() {
	m.Entrypoint = strings.Trim(strings.TrimSpace(m.Entrypoint), "/")
	if m.Entrypoint == "" {
		m.Entrypoint = defaultEntrypoint
	}
	if m.Policy == nil {
		m.Policy = map[string][]string{}
	}
	if _, ok := m.Policy[RowPermission]; !ok && len(m.Request) > 0 {
		m.Policy[RowPermission] = append([]string(nil), m.Request...)
	}
	if m.usesDefaultModule() {
		if _, ok := m.Policy[RowRole]; !ok {
			m.Policy[RowRole] = append([]string(nil), defaultRoleFields...)
		}
	}
}

func (m Model) usesDefaultModule() bool {
	return strings.TrimSpace(m.Module) == ""
}

// Validate checks that the model is usable.
func (m Model) Validate() error {
	if len(m.Request) == 0 {
		return fmt.Errorf("%w: request definition is required", ErrInvalidModel)
	}
	if err := uniqueFields("request", m.Request); err != nil {
		return err
	}
	for rowType, fields := range m.Policy {
		if strings.TrimSpace(rowType) == "" {
			return fmt.Errorf("%w: policy row type must not be empty", ErrInvalidModel)
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: policy type %q declares no fields", ErrInvalidModel, rowType)
		}
		if err := uniqueFields("policy type "+rowType, fields); err != nil {
			return err
		}
	}

	if m.usesDefaultModule() {
		// The default module compares request fields to "p" fields by name and
		// walks "g" rows by member/role.
		perm := m.Policy[RowPermission]
		for _, field := range m.Request {
			if !containsString(perm, field) {
				return fmt.Errorf("%w: default module needs %q in policy type %q", ErrInvalidModel, field, RowPermission)
			}
		}
		roles := m.Policy[RowRole]
		for _, field := range defaultRoleFields {
			if !containsString(roles, field) {
				return fmt.Errorf("%w: default module needs %q in policy type %q", ErrInvalidModel, field, RowRole)
			}
		}
	}
	return nil
}

func (m Model) module() (name, src string) {
	if m.usesDefaultModule() {
		return defaultModuleName, defaultModule
	}
	return "model.rego", m.Module
}

func (m Model) query() string {
	return "data." + strings.ReplaceAll(m.Entrypoint, "/", ".")
}

func uniqueFields(scope string, fields []string) error {
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		name := strings.TrimSpace(field)
		if name == "" {
			return fmt.Errorf("%w: %s has an empty field name", ErrInvalidModel, scope)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s repeats field %q", ErrInvalidModel, scope, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
