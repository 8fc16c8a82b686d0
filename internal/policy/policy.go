// Package policy resolves a task's declared hints into a concrete scheduler
// resource request using a layered override scheme: global defaults, then
// label-based overrides, then exact-name overrides, then the task's inline
// resources block, then a per-attempt escalation rule. Layers are applied by
// explicit field-merge in increasing specificity; the last layer to set a
// field wins, and unset fields inherit from the layer below.
//
// Resolution is a pure function of (task, attempt, profile), which is what
// makes resumed runs and tests reproducible.
package policy

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/pipeline"
)

// Request is the fully resolved resource request for one attempt of one task.
// It is immutable once produced; a later attempt produces a new Request.
type Request struct {
	CPUs        int
	MemoryMB    int
	TimeMin     int
	Partitions  []string
	Account     string
	QOS         string
	Container   string
	Directives  []string
	MaxAttempts int
}

// layer is one override tier. Pointer fields distinguish "unset" from zero.
type layer struct {
	CPUs        *int
	MemoryMB    *int
	TimeMin     *int
	Partition   *string
	Container   *string
	MaxAttempts *int
	Directives  []string
}

// apply merges a more specific layer onto the request.
func (r *Request) apply(l *layer) {
	if l == nil {
		return
	}
	if l.CPUs != nil {
		r.CPUs = *l.CPUs
	}
	if l.MemoryMB != nil {
		r.MemoryMB = *l.MemoryMB
	}
	if l.TimeMin != nil {
		r.TimeMin = *l.TimeMin
	}
	if l.Partition != nil {
		r.Partitions = []string{*l.Partition}
	}
	if l.Container != nil {
		r.Container = *l.Container
	}
	if l.MaxAttempts != nil {
		r.MaxAttempts = *l.MaxAttempts
	}
	if len(l.Directives) > 0 {
		r.Directives = append(r.Directives, l.Directives...)
	}
}

// Override kinds accepted in profile files.
const (
	OverrideLabel = "label"
	OverrideName  = "name"
)

// override is a label- or name-scoped layer.
type override struct {
	kind  string
	match string
	layer *layer
}

// escalation is the per-attempt escalation rule applied on retries.
type escalation struct {
	MemoryFactorPerAttempt int
	MemoryCapMB            int
	TimeFactorPerAttempt   int
	TimeCapMin             int
}

// Profile is a loaded resource policy: cluster-wide submission options plus
// the ordered override layers.
type Profile struct {
	Executor   string
	Account    string
	QOS        string
	Partitions []string

	defaults   *layer
	overrides  []override
	escalation *escalation
}

// Resolve produces the resource request for the given task and attempt.
// Attempt numbering starts at 1.
func (p *Profile) Resolve(task *pipeline.Task, attempt int) Request {
	req := Request{
		CPUs:        1,
		MemoryMB:    1024,
		TimeMin:     60,
		MaxAttempts: 1,
		Partitions:  append([]string(nil), p.Partitions...),
		Account:     p.Account,
		QOS:         p.QOS,
	}

	req.apply(p.defaults)

	// Label overrides in declaration order, so later declarations win among
	// the labels a task carries.
	for _, ov := range p.overrides {
		if ov.kind == OverrideLabel && task.HasLabel(ov.match) {
			req.apply(ov.layer)
		}
	}
	for _, ov := range p.overrides {
		if ov.kind == OverrideName && ov.match == task.Name {
			req.apply(ov.layer)
		}
	}

	if task.Resources != nil {
		req.apply(&layer{
			CPUs:       task.Resources.CPUs,
			MemoryMB:   task.Resources.MemoryMB,
			TimeMin:    task.Resources.TimeMin,
			Partition:  task.Resources.Partition,
			Container:  task.Resources.Container,
			Directives: task.Resources.Extra,
		})
	}

	if p.escalation != nil && attempt > 1 {
		req.MemoryMB = escalate(req.MemoryMB, p.escalation.MemoryFactorPerAttempt, attempt, p.escalation.MemoryCapMB)
		req.TimeMin = escalate(req.TimeMin, p.escalation.TimeFactorPerAttempt, attempt, p.escalation.TimeCapMin)
	}

	return req
}

// escalate multiplies base by factor^(attempt-1) with an optional cap.
// Integer arithmetic only, so identical inputs always yield identical output.
func escalate(base, factor, attempt, limit int) int {
	if factor <= 1 {
		return base
	}
	v := base
	for i := 1; i < attempt; i++ {
		v *= factor
		if limit > 0 && v >= limit {
			return limit
		}
	}
	return v
}

// --- HCL schema ---

type layerSchema struct {
	CPUs        *int     `hcl:"cpus,optional"`
	MemoryMB    *int     `hcl:"memory_mb,optional"`
	TimeMin     *int     `hcl:"time_min,optional"`
	Partition   *string  `hcl:"partition,optional"`
	Container   *string  `hcl:"container,optional"`
	MaxAttempts *int     `hcl:"max_attempts,optional"`
	Directives  []string `hcl:"directives,optional"`
}

type overrideSchema struct {
	Kind        string   `hcl:"kind,label"`
	Match       string   `hcl:"match,label"`
	CPUs        *int     `hcl:"cpus,optional"`
	MemoryMB    *int     `hcl:"memory_mb,optional"`
	TimeMin     *int     `hcl:"time_min,optional"`
	Partition   *string  `hcl:"partition,optional"`
	Container   *string  `hcl:"container,optional"`
	MaxAttempts *int     `hcl:"max_attempts,optional"`
	Directives  []string `hcl:"directives,optional"`
}

type profileBlockSchema struct {
	Executor   string   `hcl:"executor"`
	Account    string   `hcl:"account,optional"`
	QOS        string   `hcl:"qos,optional"`
	Partitions []string `hcl:"partitions,optional"`
}

type escalationSchema struct {
	MemoryFactorPerAttempt *int `hcl:"memory_factor_per_attempt,optional"`
	MemoryCapMB            *int `hcl:"memory_cap_mb,optional"`
	TimeFactorPerAttempt   *int `hcl:"time_factor_per_attempt,optional"`
	TimeCapMin             *int `hcl:"time_cap_min,optional"`
}

type profileFileSchema struct {
	Profile    *profileBlockSchema `hcl:"profile,block"`
	Defaults   *layerSchema        `hcl:"defaults,block"`
	Overrides  []*overrideSchema   `hcl:"override,block"`
	Escalation *escalationSchema   `hcl:"escalation,block"`
}

// Load parses a profile file.
func Load(ctx context.Context, path string) (*Profile, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading resource policy profile.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse profile %q: %w", path, diags)
	}

	var decoded profileFileSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &decoded); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode profile %q: %w", path, diags)
	}
	if decoded.Profile == nil {
		return nil, fmt.Errorf("profile %q is missing the required profile block", path)
	}

	p := &Profile{
		Executor:   decoded.Profile.Executor,
		Account:    decoded.Profile.Account,
		QOS:        decoded.Profile.QOS,
		Partitions: decoded.Profile.Partitions,
	}
	if decoded.Defaults != nil {
		p.defaults = translateLayer(decoded.Defaults)
	}
	for _, ov := range decoded.Overrides {
		if ov.Kind != OverrideLabel && ov.Kind != OverrideName {
			return nil, fmt.Errorf("profile %q: unknown override kind %q (want %q or %q)", path, ov.Kind, OverrideLabel, OverrideName)
		}
		p.overrides = append(p.overrides, override{
			kind:  ov.Kind,
			match: ov.Match,
			layer: &layer{
				CPUs:        ov.CPUs,
				MemoryMB:    ov.MemoryMB,
				TimeMin:     ov.TimeMin,
				Partition:   ov.Partition,
				Container:   ov.Container,
				MaxAttempts: ov.MaxAttempts,
				Directives:  ov.Directives,
			},
		})
	}
	if decoded.Escalation != nil {
		esc := &escalation{}
		if decoded.Escalation.MemoryFactorPerAttempt != nil {
			esc.MemoryFactorPerAttempt = *decoded.Escalation.MemoryFactorPerAttempt
		}
		if decoded.Escalation.MemoryCapMB != nil {
			esc.MemoryCapMB = *decoded.Escalation.MemoryCapMB
		}
		if decoded.Escalation.TimeFactorPerAttempt != nil {
			esc.TimeFactorPerAttempt = *decoded.Escalation.TimeFactorPerAttempt
		}
		if decoded.Escalation.TimeCapMin != nil {
			esc.TimeCapMin = *decoded.Escalation.TimeCapMin
		}
		p.escalation = esc
	}

	logger.Debug("Profile loaded.", "executor", p.Executor, "overrides", len(p.overrides))
	return p, nil
}

func translateLayer(s *layerSchema) *layer {
	return &layer{
		CPUs:        s.CPUs,
		MemoryMB:    s.MemoryMB,
		TimeMin:     s.TimeMin,
		Partition:   s.Partition,
		Container:   s.Container,
		MaxAttempts: s.MaxAttempts,
		Directives:  s.Directives,
	}
}
