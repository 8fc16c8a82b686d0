package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/fsutil"
)

// Load parses every .hcl file under path (a single file or a directory) into
// a validated Graph. It returns a *ParseError for syntax or decoding
// problems, and *UnknownDependencyError / *CyclicDependencyError for
// structural problems.
func Load(ctx context.Context, path string) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading pipeline definition.", "path", path)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if len(files) == 0 {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("no .hcl files found")}
	}

	parser := hclparse.NewParser()
	graph := &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, &ParseError{Path: file, Err: diags}
		}

		var decoded fileSchema
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &decoded); diags.HasErrors() {
			return nil, &ParseError{Path: file, Err: diags}
		}

		for _, t := range decoded.Tasks {
			if _, exists := graph.tasks[t.Name]; exists {
				return nil, &ParseError{Path: file, Err: fmt.Errorf("duplicate task definition %q", t.Name)}
			}
			graph.tasks[t.Name] = translateTask(t)
		}
		logger.Debug("Parsed pipeline file.", "file", file, "tasks", len(decoded.Tasks))
	}

	for _, task := range graph.tasks {
		for _, dep := range task.DependsOn {
			graph.dependents[dep] = append(graph.dependents[dep], task.Name)
		}
	}

	if err := graph.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Pipeline graph loaded and validated.", "task_count", len(graph.tasks))
	return graph, nil
}

// translateTask converts the HCL-specific task schema into the graph model.
func translateTask(s *taskSchema) *Task {
	t := &Task{
		Name:      s.Name,
		Command:   s.Command,
		DependsOn: s.DependsOn,
		Labels:    s.Labels,
		Optional:  s.Optional,
	}
	if s.Resources != nil {
		t.Resources = &Resources{
			CPUs:      s.Resources.CPUs,
			MemoryMB:  s.Resources.MemoryMB,
			TimeMin:   s.Resources.TimeMin,
			Partition: s.Resources.Partition,
			Container: s.Resources.Container,
			Extra:     s.Resources.Extra,
		}
	}
	return t
}
