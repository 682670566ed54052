// Package definition stores, validates and loads workflow definitions.
package definition

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/assessor/model"
)

// builtinFS holds the reference definitions compiled into the binary.
//
//go:embed builtin/*.yaml
var builtinFS embed.FS

// Loader reads workflow definitions written in YAML. It does not validate
// them; that is the Validator's job.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// Parse decodes one YAML definition, rejecting unknown fields so typos in
// hand-written files fail loudly.
func (l *Loader) Parse(data []byte) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def, err := l.Parse(data)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadAll reads every *.yaml and *.yml file below each directory.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	for _, dir := range directories {
		found, err := l.loadFS(os.DirFS(dir), ".")
		if err != nil {
			return nil, fmt.Errorf("definitions in %s: %w", dir, err)
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// loadFS walks root in lexical order so load order is stable across runs.
func (l *Loader) loadFS(fsys fs.FS, root string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	err := fs.WalkDir(fsys, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(path.Ext(name)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		def, err := l.Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
		return nil
	})
	return defs, err
}

// Builtins returns the definitions shipped with the service: property
// reassessment, appeal processing and data quality review.
func Builtins() ([]model.WorkflowDefinition, error) {
	return NewLoader().loadFS(builtinFS, "builtin")
}
