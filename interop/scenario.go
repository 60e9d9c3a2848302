// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/absmach/ks/client"
	"gopkg.in/yaml.v3"
)

// Scenario is a named list of interop cases loaded from YAML.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cases       []Case `yaml:"cases"`
}

// Case is run between two log resets.
type Case struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step holds exactly one of Sub, Pub, Expect or Reset.
type Step struct {
	Sub    *SubStep    `yaml:"sub,omitempty"`
	Pub    *PubStep    `yaml:"pub,omitempty"`
	Expect *ExpectStep `yaml:"expect,omitempty"`
	Reset  bool        `yaml:"reset,omitempty"`
}

// SubStep spawns a subscriber. As names it for later expect steps.
type SubStep struct {
	As       string         `yaml:"as,omitempty"`
	Flavour  client.Flavour `yaml:"flavour"`
	Keystore bool           `yaml:"keystore,omitempty"`
	Args     string         `yaml:"args,omitempty"`
}

// PubStep runs a publisher to completion.
type PubStep struct {
	Flavour  client.Flavour `yaml:"flavour"`
	Keystore bool           `yaml:"keystore,omitempty"`
	Args     string         `yaml:"args,omitempty"`
}

// ExpectStep checks a subscriber log. Sub defaults to the last subscriber.
type ExpectStep struct {
	Sub  string `yaml:"sub,omitempty"`
	Want Topics `yaml:"want"`
}

// Topics is a list of topic paths that also accepts a single scalar.
type Topics []string

func (t *Topics) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = Topics{value.Value}
		return nil
	case yaml.SequenceNode:
		var s []string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = s
		return nil
	default:
		return fmt.Errorf("line %d: want must be a topic path or a list of them", value.Line)
	}
}

// LoadScenario reads a scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Cases) == 0 {
		return errors.New("cases list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Cases))
	for i, c := range s.Cases {
		if c.Name == "" {
			return fmt.Errorf("case %d: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("case %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if len(c.Steps) == 0 {
			return fmt.Errorf("case %q: steps list is required and must be non-empty", c.Name)
		}

		subs := map[string]bool{}
		for j, st := range c.Steps {
			if err := validateStep(st, subs); err != nil {
				return fmt.Errorf("case %q step %d: %w", c.Name, j, err)
			}
		}
	}
	return nil
}

func validateStep(st Step, subs map[string]bool) error {
	kinds := 0
	if st.Sub != nil {
		kinds++
	}
	if st.Pub != nil {
		kinds++
	}
	if st.Expect != nil {
		kinds++
	}
	if st.Reset {
		kinds++
	}
	if kinds != 1 {
		return errors.New("exactly one of sub, pub, expect or reset is required")
	}

	switch {
	case st.Sub != nil:
		if _, err := client.ParseFlavour(string(st.Sub.Flavour)); err != nil {
			return err
		}
		subs[subName(st.Sub)] = true
	case st.Pub != nil:
		if _, err := client.ParseFlavour(string(st.Pub.Flavour)); err != nil {
			return err
		}
	case st.Expect != nil:
		if len(subs) == 0 {
			return errors.New("expect before any sub")
		}
		if st.Expect.Sub != "" && !subs[st.Expect.Sub] {
			return fmt.Errorf("%w %q", ErrUnknownSub, st.Expect.Sub)
		}
	case st.Reset:
		clear(subs)
	}
	return nil
}

func subName(s *SubStep) string {
	if s.As != "" {
		return s.As
	}
	return "sub"
}
