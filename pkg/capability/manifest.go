package capability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// RealmManifest is the declarative half of a realm registration: everything
// except the handler functions, which only code can supply.
type RealmManifest struct {
	Realm   string           `yaml:"realm"`
	Version string           `yaml:"version"`
	Intents []IntentManifest `yaml:"intents"`
}

// IntentManifest declares one intent type served by the realm.
type IntentManifest struct {
	IntentType       string         `yaml:"intent_type"`
	ParamsSchema     map[string]any `yaml:"params_schema,omitempty"`
	Defaults         map[string]any `yaml:"defaults,omitempty"`
	DefaultTimeoutMS int            `yaml:"default_timeout_ms,omitempty"`
	Steps            []StepManifest `yaml:"steps"`
}

// StepManifest declares policy for one step.
type StepManifest struct {
	StepID        string `yaml:"step_id"`
	Idempotent    bool   `yaml:"idempotent"`
	ParallelGroup string `yaml:"parallel_group,omitempty"`
	TimeoutMS     int    `yaml:"timeout_ms,omitempty"`
	Precondition  string `yaml:"precondition,omitempty"`
}

// StepHandlers pairs the code a manifest step binds to.
type StepHandlers struct {
	Handler    HandlerFunc
	Compensate CompensateFunc
}

// LoadRealmManifest parses a realm manifest from YAML.
func LoadRealmManifest(r io.Reader) (*RealmManifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read realm manifest: %w", err)
	}
	var m RealmManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, contracts.Validationf("parse realm manifest: %v", err)
	}
	if m.Realm == "" || m.Version == "" {
		return nil, contracts.Validationf("realm manifest requires realm and version")
	}
	return &m, nil
}

// LoadRealmManifestFile reads and parses a manifest from disk.
func LoadRealmManifestFile(path string) (*RealmManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open realm manifest %s: %w", path, err)
	}
	defer f.Close()
	return LoadRealmManifest(f)
}

// Bind joins manifest policy with handler code into registrations ready
// for Router.Register. Handlers are keyed "intent_type/step_id"; a
// manifest step without a handler is a configuration error.
func (m *RealmManifest) Bind(handlers map[string]StepHandlers) ([]*Registration, error) {
	regs := make([]*Registration, 0, len(m.Intents))
	for _, im := range m.Intents {
		if im.IntentType == "" {
			return nil, contracts.Validationf("realm %s manifest has an intent with no type", m.Realm)
		}
		reg := &Registration{
			IntentType:     im.IntentType,
			RealmName:      m.Realm,
			RealmVersion:   m.Version,
			Defaults:       im.Defaults,
			DefaultTimeout: time.Duration(im.DefaultTimeoutMS) * time.Millisecond,
		}
		if im.ParamsSchema != nil {
			raw, err := json.Marshal(im.ParamsSchema)
			if err != nil {
				return nil, contracts.Validationf("realm %s schema for %s: %v", m.Realm, im.IntentType, err)
			}
			reg.ParamsSchema = string(raw)
		}
		for _, sm := range im.Steps {
			key := im.IntentType + "/" + sm.StepID
			h, ok := handlers[key]
			if !ok || h.Handler == nil {
				return nil, contracts.Validationf("realm %s declares step %s with no bound handler", m.Realm, key)
			}
			reg.Steps = append(reg.Steps, StepSpec{
				StepID:        sm.StepID,
				Handler:       h.Handler,
				Compensate:    h.Compensate,
				Idempotent:    sm.Idempotent,
				ParallelGroup: sm.ParallelGroup,
				Timeout:       time.Duration(sm.TimeoutMS) * time.Millisecond,
				Precondition:  sm.Precondition,
			})
		}
		regs = append(regs, reg)
	}
	return regs, nil
}
