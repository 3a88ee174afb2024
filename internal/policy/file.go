package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Default   *TieredPolicy  `yaml:"default"`
	Operators []TieredPolicy `yaml:"operators"`
}

// LoadFile reads operator policies from YAML. The optional default entry replaces the
// built-in fallback.
func LoadFile(path string) (map[string]*TieredPolicy, *TieredPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var f policyFile
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	byOperator := make(map[string]*TieredPolicy, len(f.Operators))
	for i := range f.Operators {
		p := &f.Operators[i]
		if err = p.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := byOperator[p.Operator]; dup {
			return nil, nil, fmt.Errorf("fee policy %s defined twice", p.Operator)
		}
		p.normalize()
		byOperator[p.Operator] = p
	}
	if f.Default != nil {
		if f.Default.Operator == "" {
			f.Default.Operator = "DEFAULT"
		}
		if err = f.Default.Validate(); err != nil {
			return nil, nil, err
		}
		f.Default.normalize()
	}
	return byOperator, f.Default, nil
}
