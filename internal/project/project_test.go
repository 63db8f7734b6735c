package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipeline = `
actions:
  generate_cohort:
    run: ehrql:v1 generate-dataset ds.py --output=output/ds.csv
    needs: []
    outputs:
      highly_sensitive:
        cohort: output/ds.csv
  prepare_1:
    run: stata-mp:latest do analysis.do
    needs: [generate_cohort]
    outputs:
      highly_sensitive:
        data: output/prepared_1.csv
  analyse_data:
    run: python:latest analyse.py
    needs: [prepare_1]
    outputs:
      moderately_sensitive:
        results: output/results.csv
`

func TestParsePreservesDeclarationOrder(t *testing.T) {
	p, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)
	assert.Equal(t, []string{"generate_cohort", "prepare_1", "analyse_data"}, p.GetAllActions())
}

func TestGetActionSpecificationHappyPath(t *testing.T) {
	p, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	spec, err := p.GetActionSpecification("generate_cohort", false)
	require.NoError(t, err)
	assert.Equal(t, "ehrql:v1 generate-dataset ds.py --output=output/ds.csv", spec.Run)
	assert.Empty(t, spec.Needs)
}

func TestGetActionSpecificationAppendsConfig(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: ehrql:v1 generate-dataset ds.py
    config:
      key: "it's a value"
    outputs:
      highly_sensitive:
        cohort: output/ds.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	spec, err := p.GetActionSpecification("a", false)
	require.NoError(t, err)
	assert.Contains(t, spec.Run, "--config")
	assert.Contains(t, spec.Run, `\u0027`, "single quotes in config JSON become the \\u0027 escape")
	assert.NotContains(t, spec.Run, `"key":"it's a value"`)
}

func TestGetActionSpecificationV1CohortExtractorDummyData(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: cohortextractor:latest generate_cohort
    dummy_data_file: dummy.csv
    outputs:
      highly_sensitive:
        cohort: output/input.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	spec, err := p.GetActionSpecification("a", true)
	require.NoError(t, err)
	assert.Contains(t, spec.Run, "--dummy-data-file=dummy.csv")
	assert.Contains(t, spec.Run, "--output-dir=output")
}

func TestGetActionSpecificationV1SingleOutputDirAppendsEvenWithExplicitFlag(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: cohortextractor:latest generate_cohort --output-dir=custom
    outputs:
      highly_sensitive:
        cohort: output/input.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	spec, err := p.GetActionSpecification("a", false)
	require.NoError(t, err)
	assert.Contains(t, spec.Run, "--output-dir=custom")
	assert.Contains(t, spec.Run, "--output-dir=output", "one distinct output dir is appended even when the flag is already present")
}

func TestGetActionSpecificationV1CohortExtractorMultipleOutputDirsWithExplicitFlagIsAccepted(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: cohortextractor:latest generate_cohort --output-dir=custom
    outputs:
      highly_sensitive:
        cohort: output/a/input.csv
        other: output/b/input.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	spec, err := p.GetActionSpecification("a", false)
	require.NoError(t, err)
	assert.Contains(t, spec.Run, "--output-dir=custom")
	assert.NotContains(t, spec.Run, "--output-dir=output/a")
}

func TestGetActionSpecificationV1CohortExtractorMultipleOutputDirsWithoutFlagIsRejected(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: cohortextractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/a/input.csv
        other: output/b/input.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	_, err = p.GetActionSpecification("a", false)
	assert.Error(t, err)
}

func TestGetActionSpecificationV2RequiresDummyDataFileInDummyMode(t *testing.T) {
	data := []byte(`
actions:
  a:
    run: ehrql:v1 generate-dataset ds.py
    outputs:
      highly_sensitive:
        cohort: output/ds.csv
`)
	p, err := Parse(data)
	require.NoError(t, err)

	_, err = p.GetActionSpecification("a", true)
	assert.Error(t, err)
}

func TestGetActionSpecificationUnknownAction(t *testing.T) {
	p, err := Parse([]byte(samplePipeline))
	require.NoError(t, err)

	_, err = p.GetActionSpecification("does_not_exist", false)
	assert.Error(t, err)
}
