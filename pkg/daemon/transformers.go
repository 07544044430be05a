package daemon

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/durapensa/ksi/pkg/router"
)

// transformerFile is the shape of one system transformer YAML file: a
// top-level transformers list, the same structure pattern files declare
// theirs under.
type transformerFile struct {
	Transformers []struct {
		Source        string         `yaml:"source"`
		Target        string         `yaml:"target"`
		Condition     string         `yaml:"condition"`
		Mapping       map[string]any `yaml:"mapping"`
		Async         bool           `yaml:"async"`
		Foreach       string         `yaml:"foreach"`
		ResponseRoute string         `yaml:"response_route"`
		Priority      int            `yaml:"priority"`
	} `yaml:"transformers"`
}

// loadSystemTransformers reads every *.yaml/*.yml file directly under
// cfg.Routing.SystemTransformerDir and registers its transformers with
// RuleID left empty, marking them as system (not dynamically owned)
// transformers that routing:delete_rule can never remove.
func (d *Daemon) loadSystemTransformers() error {
	dir := d.cfg.Routing.SystemTransformerDir
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		var file transformerFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return err
		}

		for _, t := range file.Transformers {
			if t.Source == "" || t.Target == "" {
				continue
			}
			d.router.RegisterTransformer(&router.Transformer{
				Source:        t.Source,
				Target:        t.Target,
				Condition:     t.Condition,
				Mapping:       t.Mapping,
				Async:         t.Async,
				Foreach:       t.Foreach,
				ResponseRoute: t.ResponseRoute,
				Priority:      t.Priority,
			})
		}
	}
	return nil
}
