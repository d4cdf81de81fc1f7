package domain

import (
	"encoding/json"
	"fmt"
)

// Param is a keyword parameter with its default. On the wire it is the pair
// [name, default].
type Param struct {
	Name    string
	Default any
}

func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Name, p.Default})
}

func (p *Param) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("param: expected [name, default], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.Name); err != nil {
		return fmt.Errorf("param name: %w", err)
	}
	if err := json.Unmarshal(pair[1], &p.Default); err != nil {
		return fmt.Errorf("param %s default: %w", p.Name, err)
	}
	return nil
}

// CommandSpec describes one driver command for capability discovery.
type CommandSpec struct {
	Name      string         `json:"name"`
	Args      []string       `json:"args"`
	Kwargs    []Param        `json:"kwargs"`
	Doc       string         `json:"doc"`
	ExtraArgs bool           `json:"extra_args,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}
