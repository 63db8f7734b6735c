// Package project parses a study's project.yaml into a validated
// Pipeline model and produces the concrete per-action container
// invocation each Job will run.
package project

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
	"github.com/opensafely-core/job-runner/internal/types"
	"gopkg.in/yaml.v3"
)

// RunAllCommand re-exports types.RunAllCommand for readability at call
// sites that only import this package.
const RunAllCommand = types.RunAllCommand

// Expectations carries a cohort-extractor v1 dummy-data population size.
type Expectations struct {
	PopulationSize int `yaml:"population_size"`
}

// ActionSpec is one entry of Pipeline.Actions.
type ActionSpec struct {
	Run           string                       `yaml:"run"`
	Needs         []string                     `yaml:"needs"`
	Outputs       map[string]map[string]string `yaml:"outputs"` // privacy_level -> name -> glob
	Config        map[string]any               `yaml:"config,omitempty"`
	DummyDataFile string                       `yaml:"dummy_data_file,omitempty"`
	Expectations  *Expectations                `yaml:"expectations,omitempty"`
}

// Pipeline is the validated project model; Actions preserves
// declaration order via actionOrder, since Go maps don't.
type Pipeline struct {
	Actions     map[string]ActionSpec `yaml:"actions"`
	actionOrder []string
}

type rawPipeline struct {
	Actions yaml.Node `yaml:"actions"`
}

// Parse decodes a project.yaml document into a Pipeline, preserving
// the on-disk action declaration order (needed for run_all expansion).
func Parse(data []byte) (*Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, jobrunnererrors.ProjectValidation("invalid project YAML: %v", err)
	}
	if raw.Actions.Kind != yaml.MappingNode {
		return nil, jobrunnererrors.ProjectValidation("project YAML has no top-level actions mapping")
	}

	p := &Pipeline{Actions: map[string]ActionSpec{}}
	for i := 0; i+1 < len(raw.Actions.Content); i += 2 {
		id := raw.Actions.Content[i].Value
		var spec ActionSpec
		if err := raw.Actions.Content[i+1].Decode(&spec); err != nil {
			return nil, jobrunnererrors.ProjectValidation("action %q: %v", id, err)
		}
		p.Actions[id] = spec
		p.actionOrder = append(p.actionOrder, id)
	}
	return p, nil
}

// GetAllActions returns every action ID in declaration order, used to
// substitute RunAllCommand during expansion.
func (p *Pipeline) GetAllActions() []string {
	out := make([]string, len(p.actionOrder))
	copy(out, p.actionOrder)
	return out
}

// ActionSpecification is the concrete container invocation produced for
// one action: the final shell-quoted run command, its declared needs,
// and its output spec.
type ActionSpecification struct {
	Run     string
	Needs   []string
	Outputs map[string]map[string]string
}

const (
	imagePrefixCohortExtractor = "cohortextractor"
	imagePrefixDatabuilder     = "databuilder"
	imagePrefixEhrQL           = "ehrql"
)

func imageName(runParts []string) string {
	if len(runParts) == 0 {
		return ""
	}
	return runParts[0]
}

func isV1CohortExtraction(image string) bool {
	return strings.HasPrefix(image, imagePrefixCohortExtractor+":")
}

func isV2DatasetExtraction(image string) bool {
	return strings.HasPrefix(image, imagePrefixDatabuilder+":") || strings.HasPrefix(image, imagePrefixEhrQL+":")
}

// IsExtractionImage reports whether image is a cohort/dataset
// extraction image. A reusable action's action.yaml may not itself run
// a cohort/dataset extraction command.
func IsExtractionImage(image string) bool {
	return isV1CohortExtraction(image) || isV2DatasetExtraction(image)
}

// ImageBaseName strips the tag from an image reference; ALLOWED_IMAGES
// membership is decided on the base name ("python", not
// "python:latest").
func ImageBaseName(image string) string {
	return strings.SplitN(image, ":", 2)[0]
}

// GetActionSpecification produces the concrete container invocation
// for actionID: config injection, the cohort/dataset-extraction
// special cases, then shell re-quoting.
func (p *Pipeline) GetActionSpecification(actionID string, usingDummyDataBackend bool) (*ActionSpecification, error) {
	action, ok := p.Actions[actionID]
	if !ok {
		return nil, jobrunnererrors.ProjectValidation("action %q is not defined in the project", actionID)
	}

	parts := shlexSplit(action.Run)
	if len(parts) == 0 {
		return nil, jobrunnererrors.ProjectValidation("action %q has an empty run command", actionID)
	}

	// --config injection. Single quotes in the JSON become the
	// literal escape \u0027 so the value survives shell quoting intact.
	if len(action.Config) > 0 {
		configJSON, err := json.Marshal(action.Config)
		if err != nil {
			return nil, jobrunnererrors.ProjectValidation("action %q: invalid config: %v", actionID, err)
		}
		escaped := strings.ReplaceAll(string(configJSON), "'", `\u0027`)
		parts = append(parts, "--config", escaped)
	}

	image := imageName(parts)

	// Cohort/dataset extraction specialisation, detected by image name.
	switch {
	case isV1CohortExtraction(image):
		parts = append(parts, extraV1Args(action, usingDummyDataBackend)...)
		if err := ensureOutputDir(actionID, action, &parts); err != nil {
			return nil, err
		}
	case isV2DatasetExtraction(image):
		if usingDummyDataBackend && !argsInclude(parts, "--dummy-data-file") {
			return nil, jobrunnererrors.ProjectValidation("action %q: dummy data mode requires --dummy-data-file in run command", actionID)
		}
	}

	return &ActionSpecification{
		Run:     shlexJoin(parts),
		Needs:   action.Needs,
		Outputs: action.Outputs,
	}, nil
}

func extraV1Args(action ActionSpec, usingDummyDataBackend bool) []string {
	if usingDummyDataBackend && action.DummyDataFile != "" {
		return []string{"--dummy-data-file=" + action.DummyDataFile}
	}
	size := 1000
	if action.Expectations != nil && action.Expectations.PopulationSize > 0 {
		size = action.Expectations.PopulationSize
	}
	return []string{"--expectations-population=" + strconv.Itoa(size)}
}

func ensureOutputDir(actionID string, action ActionSpec, parts *[]string) error {
	dirs := map[string]struct{}{}
	for _, names := range action.Outputs {
		for _, glob := range names {
			dirs[outputDirOf(glob)] = struct{}{}
		}
	}
	// An explicit --output-dir only excuses the multi-directory case;
	// with exactly one distinct output directory the flag is appended
	// regardless.
	if len(dirs) != 1 {
		if argsInclude(*parts, "--output-dir") {
			return nil
		}
		return jobrunnererrors.ProjectValidation("action %q: cannot infer a single --output-dir from %d distinct output directories; specify --output-dir explicitly", actionID, len(dirs))
	}
	for dir := range dirs {
		*parts = append(*parts, "--output-dir="+dir)
	}
	return nil
}

func outputDirOf(glob string) string {
	i := strings.LastIndex(glob, "/")
	if i < 0 {
		return "."
	}
	return glob[:i]
}

func argsInclude(parts []string, flag string) bool {
	for _, p := range parts {
		if p == flag || strings.HasPrefix(p, flag+"=") {
			return true
		}
	}
	return false
}

// SplitRunCommand tokenises a Job's final shell-quoted run_command
// back into an image name and its arguments, the inverse of shlexJoin,
// for callers (the state machine, the executor adapters) that need the
// image/args split rather than the single-string form stored on Job.
func SplitRunCommand(runCommand string) (image string, args []string) {
	parts := shlexSplit(runCommand)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// shlexSplit tokenises a run command: space-separated (tabs and
// newlines are not separators), single/double-quoted tokens.
func shlexSplit(s string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	for _, r := range s {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == ' ' && !inSingle && !inDouble:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// shlexJoin is a Go port of Python's shlex.join: re-quote any token
// containing whitespace or a shell metacharacter.
func shlexJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shlexQuote(p)
	}
	return strings.Join(quoted, " ")
}

func shlexQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r == ',' || r == '/' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
