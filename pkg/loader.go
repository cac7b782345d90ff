package pkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/vars"
)

const (
	PipelineKind = "AtlasPipeline"
	ConfigKind   = "AtlasConfig"

	LayerPipeline = "pipeline"
	LayerConfig   = "config"
	LayerCLI      = "cli"
)

type (
	// Definition is what a pipeline_data value resolves to.
	Definition struct {
		Pipeline *sdk.Pipeline
		// Config holds every AtlasConfig leaf, keyed by its last key.
		Config vars.Tree
	}

	Loader struct {
		sources *Sources
		// GlobalConfigsPrefix selects environment variables added to the
		// external config layer, with the prefix and its separator removed.
		GlobalConfigsPrefix string
		Environ             func() []string
	}
)

func NewLoader(sources *Sources, globalConfigsPrefix string) *Loader {
	if sources == nil {
		sources = NewSources(nil)
	}
	return &Loader{sources: sources, GlobalConfigsPrefix: globalConfigsPrefix, Environ: os.Environ}
}

// Load fetches and parses every source in a ';' separated pipeline_data
// value. Sources that cannot be fetched are logged and left out.
func (l *Loader) Load(ctx context.Context, pipelineData string) (*Definition, error) {
	logger := zerolog.Ctx(ctx)

	var docs []vars.Tree
	for _, source := range vars.SplitList(pipelineData) {
		source = strings.Trim(source, `'"`)
		content, err := l.sources.Fetch(ctx, source)
		if err != nil {
			logger.Warn().Err(err).Str("source", source).Msg("unable to load pipeline data")
			continue
		}
		parsed, err := ParseDocuments(content)
		if err != nil {
			return nil, sdk.NewConfigError(fmt.Sprintf("unable to parse %s", source), err)
		}
		docs = append(docs, parsed...)
	}

	return Build(docs)
}

// ParseDocuments decodes every YAML document of content.
func ParseDocuments(content string) ([]vars.Tree, error) {
	dec := yaml.NewDecoder(strings.NewReader(content))
	var docs []vars.Tree
	for {
		var doc vars.Tree
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		docs = append(docs, vars.Normalize(doc).(vars.Tree))
	}
}

// Build turns decoded documents into a definition: exactly one AtlasPipeline
// and any number of AtlasConfig documents.
func Build(docs []vars.Tree) (*Definition, error) {
	def := &Definition{Config: vars.Tree{}}

	var pipelineDoc vars.Tree
	for _, doc := range docs {
		switch kind := vars.Stringify(doc["kind"]); kind {
		case PipelineKind:
			if pipelineDoc != nil {
				return nil, sdk.NewConfigError(fmt.Sprintf("more than one '%s' present in 'pipeline_data'", PipelineKind), nil)
			}
			pipelineDoc = doc
		case ConfigKind:
			collectConfig(doc, def.Config)
		}
	}

	if pipelineDoc == nil {
		return nil, sdk.NewConfigError(fmt.Sprintf("No '%s' present in 'pipeline_data'", PipelineKind), nil)
	}

	p, err := parsePipeline(asTree(pipelineDoc["pipeline"]))
	if err != nil {
		return nil, err
	}
	def.Pipeline = p
	return def, nil
}

// Layers builds the initial variable layers of a run: pipeline definition,
// then external config, then CLI overrides.
func (l *Loader) Layers(def *Definition, pipelineVars vars.Tree) []vars.Layer {
	config := vars.CopyTree(def.Config)
	for k, v := range l.globalConfigs() {
		config[k] = v
	}

	return []vars.Layer{
		{Name: LayerPipeline, Source: vars.SourcePipeline, Vars: vars.CopyTree(def.Pipeline.Vars)},
		{Name: LayerConfig, Source: vars.SourceConfig, Vars: config},
		{Name: LayerCLI, Source: vars.SourceCLI, Vars: vars.CopyTree(pipelineVars)},
	}
}

func (l *Loader) globalConfigs() vars.Tree {
	out := vars.Tree{}
	if l.GlobalConfigsPrefix == "" || l.Environ == nil {
		return out
	}
	for _, kv := range l.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, l.GlobalConfigsPrefix) {
			continue
		}
		name := strings.TrimLeft(strings.TrimPrefix(k, l.GlobalConfigsPrefix), "_")
		if name != "" {
			out[name] = v
		}
	}
	return out
}

func collectConfig(doc vars.Tree, into vars.Tree) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "kind" || k == "apiVersion" {
			continue
		}
		collectLeaves(k, doc[k], into)
	}
}

func collectLeaves(key string, v any, into vars.Tree) {
	m, ok := v.(vars.Tree)
	if !ok {
		into[key] = vars.DeepCopy(v)
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collectLeaves(k, m[k], into)
	}
}

func parsePipeline(raw vars.Tree) (*sdk.Pipeline, error) {
	if len(raw) == 0 {
		return nil, sdk.NewConfigError("pipeline definition is empty", nil)
	}

	p := &sdk.Pipeline{
		ID:     str(raw["id"]),
		Name:   str(raw["name"]),
		Vars:   asTree(raw["vars"]),
		Jobs:   map[string]vars.Tree{},
		Report: asTree(raw["report"]),
	}
	if p.ID == "" {
		p.ID = sdk.SafeJobName(p.Name)
	}
	if p.ID == "" {
		p.ID = "pipeline"
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	for id, job := range asTree(raw["jobs"]) {
		p.Jobs[id] = asTree(job)
	}

	output := asTree(lookup(raw, "configuration.output"))
	p.Output = sdk.OutputConfig{
		Params:       asTree(output["params"]),
		ParamsSecure: asTree(output["params_secure"]),
		Files:        map[string]string{},
	}
	for name, source := range asTree(output["files"]) {
		p.Output.Files[name] = str(source)
	}

	rawStages, err := stageList(raw["stages"], false)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, rs := range rawStages {
		s, err := parseStage(rs, "", p.Jobs, seen)
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, s)
	}
	return p, nil
}

func parseStage(raw vars.Tree, parentID string, jobs map[string]vars.Tree, seen map[string]bool) (*sdk.Stage, error) {
	if ref := str(raw["job"]); ref != "" {
		tpl, fnd := jobs[ref]
		if !fnd {
			return nil, sdk.NewConfigError(fmt.Sprintf("stage %q references unknown job %q", str(raw["name"]), ref), nil)
		}
		tpl = vars.CopyTree(tpl)
		delete(tpl, "id")
		raw = vars.Merge(tpl, raw)
	}

	s := &sdk.Stage{
		ID:       str(raw["id"]),
		UUID:     uuid.NewString(),
		ParentID: parentID,
		Name:     str(raw["name"]),
		Job:      str(raw["job"]),
		Path:     str(raw["path"]),
		Command:  str(raw["command"]),
		Status:   sdk.PendingStatus,
		Input:    params(raw["input"]),
		Output:   params(raw["output"]),
		Report:   asTree(raw["report"]),
	}
	if s.ID == "" {
		s.ID = s.Name
	}
	if s.ID == "" {
		return nil, sdk.NewConfigError("stage without id or name", nil)
	}
	if s.Name == "" {
		s.Name = s.ID
	}

	s.JobID = sdk.JobIDFor(parentID, s.ID)
	if seen[s.JobID] {
		return nil, sdk.NewConfigError(fmt.Sprintf("duplicate job id %q", s.JobID), nil)
	}
	seen[s.JobID] = true

	kind, err := stageKind(raw)
	if err != nil {
		return nil, err
	}
	s.Kind = kind

	if s.When, err = parseWhen(raw["when"]); err != nil {
		return nil, err
	}

	switch s.Kind {
	case sdk.KindModule, sdk.KindDocker, sdk.KindReport:
		if s.Path == "" {
			return nil, sdk.NewConfigError(fmt.Sprintf("stage %q has no path", s.Name), nil)
		}
	case sdk.KindParallel:
		if parentID != "" {
			return nil, sdk.NewConfigError(fmt.Sprintf("parallel block %q cannot be nested in parallel block %q", s.Name, parentID), nil)
		}
		children, err := stageList(raw["parallel"], true)
		if err != nil {
			return nil, err
		}
		for _, rc := range children {
			c, err := parseStage(rc, s.JobID, jobs, seen)
			if err != nil {
				return nil, err
			}
			s.Children = append(s.Children, c)
		}
	case sdk.KindNestedPipeline:
		s.Nested = &sdk.NestedPipeline{PipelineData: str(raw["pipeline_data"])}
		switch pv := raw["pipeline_vars"].(type) {
		case string:
			s.Nested.PipelineVars = vars.ParseParams(pv)
		case vars.Tree:
			s.Nested.PipelineVars = vars.CopyTree(pv)
		}
		if s.Nested.PipelineData == "" {
			return nil, sdk.NewConfigError(fmt.Sprintf("nested pipeline stage %q has no pipeline_data", s.Name), nil)
		}
	default:
		return nil, sdk.NewConfigError(fmt.Sprintf("unsupported stage kind %q", s.Kind), nil)
	}

	return s, nil
}

func stageKind(raw vars.Tree) (sdk.StageKind, error) {
	if t := str(raw["type"]); t != "" {
		return sdk.ParseStageKind(t)
	}
	if _, fnd := raw["parallel"]; fnd {
		return sdk.KindParallel, nil
	}
	if _, fnd := raw["pipeline_data"]; fnd {
		return sdk.KindNestedPipeline, nil
	}
	return sdk.KindModule, nil
}

func parseWhen(v any) (*sdk.When, error) {
	raw := asTree(v)
	if len(raw) == 0 {
		return nil, nil
	}

	w := &sdk.When{Condition: str(raw["condition"])}

	var statuses []string
	switch st := raw["statuses"].(type) {
	case string:
		statuses = strings.FieldsFunc(st, func(r rune) bool { return r == ',' || r == ' ' })
	case []any:
		for _, s := range st {
			statuses = append(statuses, vars.Stringify(s))
		}
	}
	for _, s := range statuses {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "SUCCESS":
			w.Statuses = append(w.Statuses, sdk.SuccessStatus)
		case "FAILURE", "FAILED":
			w.Statuses = append(w.Statuses, sdk.FailedStatus)
		default:
			return nil, sdk.NewConfigError(fmt.Sprintf("unknown when status %q", s), nil)
		}
	}
	return w, nil
}

// stageList accepts a list of stage maps, or for parallel children a map
// keyed by stage id. Map entries are ordered by id.
func stageList(v any, allowMap bool) ([]vars.Tree, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]vars.Tree, 0, len(t))
		for _, item := range t {
			m, ok := item.(vars.Tree)
			if !ok {
				return nil, sdk.NewConfigError(fmt.Sprintf("stage definition must be a map, got %T", item), nil)
			}
			out = append(out, m)
		}
		return out, nil
	case vars.Tree:
		if !allowMap {
			return nil, sdk.NewConfigError("stages must be a list", nil)
		}
		ids := make([]string, 0, len(t))
		for id := range t {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]vars.Tree, 0, len(t))
		for _, id := range ids {
			m := vars.CopyTree(asTree(t[id]))
			if _, fnd := m["id"]; !fnd {
				m["id"] = id
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, sdk.NewConfigError(fmt.Sprintf("stages must be a list, got %T", v), nil)
	}
}

func params(v any) sdk.Params {
	raw := asTree(v)
	return sdk.Params{
		Params:       asTree(raw["params"]),
		ParamsSecure: asTree(raw["params_secure"]),
	}
}

func lookup(t vars.Tree, path string) any {
	v, _ := vars.Lookup(t, path)
	return v
}

func asTree(v any) vars.Tree {
	if t, ok := v.(vars.Tree); ok {
		return t
	}
	return vars.Tree{}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(vars.Stringify(v))
}
