package pipeline

import "github.com/hashicorp/hcl/v2"

// resourcesSchema represents the optional per-task `resources` block. All
// fields are pointers so the policy resolver can tell "not set" apart from an
// explicit zero.
type resourcesSchema struct {
	CPUs      *int     `hcl:"cpus,optional"`
	MemoryMB  *int     `hcl:"memory_mb,optional"`
	TimeMin   *int     `hcl:"time_min,optional"`
	Partition *string  `hcl:"partition,optional"`
	Container *string  `hcl:"container,optional"`
	Extra     []string `hcl:"extra,optional"`
}

// taskSchema represents a single `task` block from a user's pipeline file.
type taskSchema struct {
	Name      string           `hcl:"name,label"`
	Command   string           `hcl:"command"`
	DependsOn []string         `hcl:"depends_on,optional"`
	Labels    []string         `hcl:"labels,optional"`
	Optional  bool             `hcl:"optional,optional"`
	Resources *resourcesSchema `hcl:"resources,block"`
}

// fileSchema represents the top-level structure of a pipeline file.
type fileSchema struct {
	Tasks []*taskSchema `hcl:"task,block"`
	Body  hcl.Body      `hcl:",remain"`
}
