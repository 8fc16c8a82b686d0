// Package pipeline defines the static task graph model and its HCL loader.
//
// A pipeline is a set of `task` blocks with explicit `depends_on` edges. The
// loader parses every .hcl file under a path into a Graph and validates it
// structurally: every dependency must name a task that exists, and the edges
// must form a DAG. Validation failures abort before anything is submitted to
// the cluster scheduler.
//
// The Graph is immutable after Load. Mutable execution state (task states,
// attempt counters, job handles) lives in the run manifest; the Graph only
// answers structural questions such as "which tasks are ready given this
// manifest snapshot".
package pipeline
