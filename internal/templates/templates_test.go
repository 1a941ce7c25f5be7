package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryHasEveryStrategy(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	snap := r.Snapshot()
	assert.Equal(t, []string{
		"mean_reversion", "momentum_breakout", "multi_timeframe",
		"pattern", "support_resistance", "volume_profile",
	}, snap.IDs())
	assert.Equal(t, "builtin", snap.Source)

	mr, ok := r.Template("Mean_Reversion")
	require.True(t, ok)
	assert.Equal(t, "all", mr.Logic)
	assert.True(t, mr.SupportsRegime("sideways_calm"))
	assert.False(t, mr.SupportsRegime("trending_bull"))
	assert.Equal(t, 30.0, mr.DefaultParams()["oversold"])
}

func TestTemplateClampAndValidate(t *testing.T) {
	mr := DefaultTemplates()["mean_reversion"]
	clamped := mr.Clamp(map[string]float64{"oversold": 2, "overbought": 99})
	assert.Equal(t, 15.0, clamped["oversold"])
	assert.Equal(t, 85.0, clamped["overbought"])
	assert.Equal(t, mr.Params["stop_atr"].Default, clamped["stop_atr"])
	assert.NoError(t, mr.Validate(clamped))

	assert.Error(t, mr.Validate(map[string]float64{"oversold": 2}))
	assert.Error(t, mr.Validate(map[string]float64{"unknown": 1}))
}

func TestSchemaRejectsOutOfPolicyParams(t *testing.T) {
	const doc = `condition_templates:
  tight:
    long:
      - {indicator: rsi, comparator: "<", param: level}
    params:
      level: {default: 30, min: 0, max: 100}
    schema:
      type: object
      properties:
        level: {type: number, maximum: 40}
`
	tpls, err := parseTemplates([]byte(doc))
	require.NoError(t, err)
	tpl := tpls["tight"]
	assert.NoError(t, tpl.Validate(map[string]float64{"level": 35}))
	assert.Error(t, tpl.Validate(map[string]float64{"level": 60}))
}

func TestParseTemplatesRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown comparator": `condition_templates:
  x:
    long: [{indicator: rsi, comparator: "=="}]`,
		"unknown param": `condition_templates:
  x:
    long: [{indicator: rsi, comparator: "<", param: nope}]`,
		"default outside range": `condition_templates:
  x:
    long: [{indicator: rsi, comparator: "<", param: p}]
    params:
      p: {default: 5, min: 10, max: 20}`,
		"no conditions": `condition_templates:
  x:
    params: {}`,
		"unknown field": `condition_templates:
  x:
    long: [{indicator: rsi, comparator: "<"}]
    bogus: 1`,
		"empty": `condition_templates: {}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseTemplates([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFileRegistryReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, defaultTemplatesYAML, 0o600))

	r, err := NewRegistry(path)
	require.NoError(t, err)
	require.Len(t, r.Snapshot().Templates, 6)

	require.NoError(t, os.WriteFile(path, []byte("condition_templates: [broken"), 0o600))
	assert.Error(t, r.Reload())
	assert.Len(t, r.Snapshot().Templates, 6)
}
