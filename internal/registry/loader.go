package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// fileSchema is the on-disk shape of a workflow definitions file.
//
//	workflows:
//	  - kind: order
//	    initial: draft
//	    on_parent_terminal: cancelled
//	    states: [draft, confirmed, shipped, cancelled]
//	    transitions:
//	      - {from: draft, to: confirmed}
//	      - {from: confirmed, to: shipped, guard: order_settled}
type fileSchema struct {
	Workflows []workflowSchema `yaml:"workflows"`
}

type workflowSchema struct {
	Kind             string             `yaml:"kind"`
	Initial          string             `yaml:"initial"`
	OnParentTerminal string             `yaml:"on_parent_terminal"`
	States           []string           `yaml:"states"`
	Transitions      []transitionSchema `yaml:"transitions"`
}

type transitionSchema struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Guard string `yaml:"guard"`
}

// Guards maps guard names used in definition files to their predicates.
// Guard code stays in Go; files only reference it by name.
type Guards map[string]GuardFunc

// LoadFile parses a YAML workflow definitions file, registers every
// workflow into a fresh registry, and seals it. A guard name without a
// matching entry in guards is a configuration error.
func LoadFile(path string, guards Guards) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration,
			fmt.Sprintf("read workflow definitions %s", path), http.StatusInternalServerError)
	}
	return LoadBytes(raw, guards)
}

// LoadFileReadOnly parses a definitions file for consumers that never
// execute transitions (the reconciler reads kinds and terminality only).
// Guard names are accepted without resolution and bound to a predicate
// that rejects, so a registry from this loader must not back an engine.
func LoadFileReadOnly(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration,
			fmt.Sprintf("read workflow definitions %s", path), http.StatusInternalServerError)
	}
	return loadBytes(raw, nil, true)
}

// LoadBytes is LoadFile for in-memory definitions (tests, embedded config).
func LoadBytes(raw []byte, guards Guards) (*Registry, error) {
	return loadBytes(raw, guards, false)
}

func loadBytes(raw []byte, guards Guards, readOnly bool) (*Registry, error) {
	var file fileSchema
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfiguration, "parse workflow definitions", http.StatusInternalServerError)
	}
	if len(file.Workflows) == 0 {
		return nil, apperrors.Configuration("workflow definitions file declares no workflows")
	}

	reg := New()
	for _, w := range file.Workflows {
		def := Definition{
			Kind:             domain.Kind(w.Kind),
			Initial:          domain.State(w.Initial),
			OnParentTerminal: domain.State(w.OnParentTerminal),
		}
		for _, s := range w.States {
			def.States = append(def.States, domain.State(s))
		}
		for _, t := range w.Transitions {
			tr := Transition{From: domain.State(t.From), To: domain.State(t.To)}
			if t.Guard != "" {
				guard, ok := guards[t.Guard]
				if !ok && readOnly {
					guard, ok = rejectingGuard(t.Guard), true
				}
				if !ok {
					return nil, apperrors.Configuration(fmt.Sprintf(
						"kind %s transition %s -> %s references unknown guard %q",
						w.Kind, t.From, t.To, t.Guard))
				}
				tr.Guard = guard
			}
			def.Transitions = append(def.Transitions, tr)
		}
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	if err := reg.Seal(); err != nil {
		return nil, err
	}
	return reg, nil
}

func rejectingGuard(name string) GuardFunc {
	return func(context.Context, GuardContext) error {
		return fmt.Errorf("guard %q is not wired in this process", name)
	}
}
