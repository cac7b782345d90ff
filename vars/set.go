package vars

import (
	"sort"
	"sync"
)

// Provenance tags for variable layers.
const (
	SourcePipeline  = "pipeline definition"
	SourceConfig    = "external config"
	SourceCLI       = "CLI override"
	SourceOutput    = "stage output"
	SourceRetry     = "retry override"
	SourceSecureOut = "stage secure output"
)

type (
	// Layer is one named mapping in a Set.
	Layer struct {
		Name   string `json:"name"`
		Source string `json:"source"`
		Secure bool   `json:"secure,omitempty"`
		Vars   Tree   `json:"vars"`
	}

	// Set is an ordered list of layers; later layers override earlier ones.
	Set struct {
		mu     sync.RWMutex
		layers []*Layer
	}

	// Sourced is a single variable with the layer it came from.
	Sourced struct {
		Name   string `json:"name"`
		Value  any    `json:"value"`
		Source string `json:"source"`
		Secure bool   `json:"secure,omitempty"`
	}
)

func NewSet(layers ...Layer) *Set {
	s := &Set{}
	for _, l := range layers {
		s.Add(l)
	}
	return s
}

// Add appends a layer on top of the existing ones.
func (s *Set) Add(l Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := l
	cp.Vars = CopyTree(l.Vars)
	s.layers = append(s.layers, &cp)
}

// Put writes name=value into the named layer, adding the layer on top when
// it does not exist yet.
func (s *Set) Put(layer, source string, secure bool, name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.layers {
		if l.Name == layer {
			l.Vars[name] = DeepCopy(value)
			return
		}
	}
	s.layers = append(s.layers, &Layer{Name: layer, Source: source, Secure: secure, Vars: Tree{name: DeepCopy(value)}})
}

// MergeInto merges a whole tree of values into the named layer.
func (s *Set) MergeInto(layer, source string, secure bool, values Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.layers {
		if l.Name == layer {
			l.Vars = Merge(l.Vars, values)
			return
		}
	}
	s.layers = append(s.layers, &Layer{Name: layer, Source: source, Secure: secure, Vars: CopyTree(values)})
}

// Lift moves the named layer on top of all others. It reports whether the
// layer exists.
func (s *Set) Lift(layer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.layers {
		if l.Name == layer {
			s.layers = append(append(s.layers[:i:i], s.layers[i+1:]...), l)
			return true
		}
	}
	return false
}

// Layers returns a copy of the layers, bottom first.
func (s *Set) Layers() []Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Layer, 0, len(s.layers))
	for _, l := range s.layers {
		cp := *l
		cp.Vars = CopyTree(l.Vars)
		out = append(out, cp)
	}
	return out
}

// Flatten merges all layers in order. The result is a fresh tree that later
// mutations of the set do not affect.
func (s *Set) Flatten() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trees := make([]Tree, 0, len(s.layers))
	for _, l := range s.layers {
		trees = append(trees, l.Vars)
	}
	return MergeAll(trees...)
}

// Get returns the merged value of a top-level or dotted name.
func (s *Set) Get(name string) (any, bool) {
	return Lookup(s.Flatten(), name)
}

// WithSources lists the winning value of every top-level name together with
// the layer that provided it, sorted by name.
func (s *Set) WithSources(filter func(Layer) bool) []Sourced {
	s.mu.RLock()
	defer s.mu.RUnlock()
	winners := map[string]Sourced{}
	for _, l := range s.layers {
		if filter != nil && !filter(*l) {
			continue
		}
		for name, value := range Inflate(l.Vars) {
			winners[name] = Sourced{Name: name, Value: DeepCopy(value), Source: l.Source, Secure: l.Secure}
		}
	}
	out := make([]Sourced, 0, len(winners))
	for _, v := range winners {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SecureNames returns the names defined by secure layers.
func (s *Set) SecureNames() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]bool{}
	for _, l := range s.layers {
		if !l.Secure {
			continue
		}
		for name := range Inflate(l.Vars) {
			out[name] = true
		}
	}
	return out
}
