package catalog

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

//go:embed schema.cue
var schemaCUE string

// LoadError describes a catalogue that failed to load or validate.
type LoadError struct {
	Path    string
	Message string
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("catalog %s: %s", e.Path, e.Message)
	}
	return "catalog: " + e.Message
}

type cueCatalog struct {
	Items map[string]struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"items"`
	Triggers map[string]struct {
		Challenge bool `json:"challenge"`
		Nodes     map[string]struct {
			On    string            `json:"on"`
			Match map[string]string `json:"match"`
			Count int64             `json:"count"`
			Emit  string            `json:"emit"`
		} `json:"nodes"`
	} `json:"triggers"`
}

// Compile builds a catalogue from CUE source. name is used in errors.
func Compile(name string, src []byte) (*Catalog, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, &LoadError{Path: name, Message: errors.Details(err, nil)}
	}
	return fromValue(ctx, name, value)
}

// LoadDir loads every CUE file of the package in dir.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Message: err.Error()}
	}
	if !info.IsDir() {
		return nil, &LoadError{Path: dir, Message: "not a directory"}
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, &LoadError{Path: dir, Message: err.Error()}
	}
	if len(files) == 0 {
		return nil, &LoadError{Path: dir, Message: "no CUE files found"}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Path: dir, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Path: dir, Message: errors.Details(inst.Err, nil)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Path: dir, Message: errors.Details(err, nil)}
	}
	return fromValue(ctx, dir, value)
}

func fromValue(ctx *cue.Context, name string, value cue.Value) (*Catalog, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Path: name, Message: errors.Details(err, nil)}
	}

	var raw cueCatalog
	if err := unified.Decode(&raw); err != nil {
		return nil, &LoadError{Path: name, Message: errors.Details(err, nil)}
	}

	items := make([]Item, 0, len(raw.Items))
	for _, id := range slices.Sorted(maps.Keys(raw.Items)) {
		it := raw.Items[id]
		items = append(items, Item{ID: id, Name: it.Name, Category: it.Category})
	}

	triggers := make([]Trigger, 0, len(raw.Triggers))
	for _, id := range slices.Sorted(maps.Keys(raw.Triggers)) {
		tr := raw.Triggers[id]
		t := Trigger{ID: id, Challenge: tr.Challenge}
		for _, nodeID := range slices.Sorted(maps.Keys(tr.Nodes)) {
			n := tr.Nodes[nodeID]
			t.Nodes = append(t.Nodes, Node{
				ID:    nodeID,
				On:    n.On,
				Match: n.Match,
				Count: n.Count,
				Emit:  n.Emit,
			})
		}
		triggers = append(triggers, t)
	}

	c, err := New(items, triggers)
	if err != nil {
		return nil, &LoadError{Path: name, Message: err.Error()}
	}
	return c, nil
}
