package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/govexec/internal/canon"
)

// ErrInvalidDefinition is returned for definitions that cannot be executed.
var ErrInvalidDefinition = errors.New("invalid saga definition")

// StepDef declares one step of a saga.
type StepDef struct {
	ID               string         `json:"id" yaml:"id"`
	Type             string         `json:"type" yaml:"type"`
	CompensationType string         `json:"compensation_type,omitempty" yaml:"compensation_type"`
	MaxRetries       int            `json:"max_retries" yaml:"max_retries"`
	DependsOn        []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Input            map[string]any `json:"input,omitempty" yaml:"input"`
}

// Definition declares a saga. Steps without DependsOn run in declaration
// order relative to each other.
type Definition struct {
	Name  string    `json:"name" yaml:"name"`
	Steps []StepDef `json:"steps" yaml:"steps"`
}

// CycleError reports a dependency cycle between steps.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: dependency cycle %s", ErrInvalidDefinition, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// Validate checks step ids, types, retry budgets, dependencies and cycles.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: saga %q has no steps", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, st := range d.Steps {
		if st.ID == "" {
			return fmt.Errorf("%w: steps[%d]: id is required", ErrInvalidDefinition, i)
		}
		if seen[st.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, st.ID)
		}
		seen[st.ID] = true
		if st.Type == "" {
			return fmt.Errorf("%w: step %q: type is required", ErrInvalidDefinition, st.ID)
		}
		if st.MaxRetries < 0 {
			return fmt.Errorf("%w: step %q: max_retries must be >= 0", ErrInvalidDefinition, st.ID)
		}
	}
	for _, st := range d.Steps {
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidDefinition, st.ID, dep)
			}
		}
	}
	if path := findCycle(d.Steps); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// Ordered validates d and returns its steps in a stable topological order:
// among steps whose dependencies are satisfied, declaration order wins.
func (d Definition) Ordered() ([]StepDef, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(d.Steps))
	for i, st := range d.Steps {
		index[st.ID] = i
	}
	remaining := make([]int, len(d.Steps))
	dependents := make([][]int, len(d.Steps))
	for i, st := range d.Steps {
		remaining[i] = len(st.DependsOn)
		for _, dep := range st.DependsOn {
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	var ready []int
	for i, n := range remaining {
		if n == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]StepDef, 0, len(d.Steps))
	for len(ready) > 0 {
		slices.Sort(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, d.Steps[next])
		for _, dep := range dependents[next] {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return out, nil
}

// Record renders d as a generic JSON map for WAL payloads.
func (d Definition) Record() (map[string]any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Hash returns the canonical content hash of d.
func (d Definition) Hash() (string, error) {
	rec, err := d.Record()
	if err != nil {
		return "", err
	}
	return canon.Hash(canon.DomainSagaDef, rec)
}

// DefinitionFromRecord is the inverse of Record.
func DefinitionFromRecord(m map[string]any) (Definition, error) {
	var d Definition
	if m == nil {
		return d, fmt.Errorf("%w: missing definition", ErrInvalidDefinition)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return d, nil
}

// normalizeDefinition round-trips d through its JSON record so live and
// replayed sagas hold identical values.
func normalizeDefinition(d Definition) (Definition, error) {
	rec, err := d.Record()
	if err != nil {
		return Definition{}, err
	}
	raw, err := canon.Marshal(rec)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Definition{}, err
	}
	return DefinitionFromRecord(m)
}

// findCycle returns the first dependency cycle found, as a closed path, or
// nil when the step graph is a DAG.
func findCycle(steps []StepDef) []string {
	graph := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	for _, st := range steps {
		graph[st.ID] = st.DependsOn
		order = append(order, st.ID)
	}

	for _, scc := range tarjanSCC(order, graph) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			return cyclePath(scc, graph)
		}
	}
	return nil
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the given order so results are deterministic.
func tarjanSCC(order []string, graph map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, v := range order {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}

// cyclePath walks edges inside an SCC to produce a readable closed path
// such as ["a", "b", "a"].
func cyclePath(scc []string, graph map[string][]string) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := slices.Min(scc)
	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for {
		next := ""
		for _, w := range graph[cur] {
			if w == start && (len(path) > 1 || cur == start) {
				return append(path, start)
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return append(path, start)
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
}
