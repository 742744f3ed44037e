package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario, nil)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
			assert.Len(t, result.Steps, len(scenario.Steps))
		})
	}
}

func TestGolden(t *testing.T) {
	for _, name := range []string{"reverb_next_bar_undo", "tempo_change_needs_confirmation"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

const minimal = `
name: minimal
description: "one reverb change"
steps:
  - validate:
      bundle:
        bundleId: b1
        atomic: true
        actions:
          - { actionId: a1, type: set, target: fx.reverb.mix, value: 0.4, time: { anchor: now } }
  - schedule: {}
  - tick: true
`

func TestRun_Minimal(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario, nil)

	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, 0.4, result.State["fx.reverb.mix"])
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "b1", result.Steps[1].BundleID)
	require.NotNil(t, result.Steps[2].Applied)
	assert.Equal(t, 1, *result.Steps[2].Applied)

	snap := Snapshot("minimal", result)
	require.Len(t, snap.Trace, 4)
	assert.Equal(t, "actions.bundle_scheduled", snap.Trace[0].Type)
	assert.Equal(t, "state.changed", snap.Trace[3].Type)
	data, err := MarshalSnapshot(snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"scenario":"minimal","trace":[{"seq":1,"stateVersion":0,`))
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong
description: "expectations that do not hold"
steps:
  - validate:
      bundle:
        bundleId: b1
        atomic: true
        actions:
          - { actionId: a1, type: set, target: fx.reverb.mix, value: 7, time: { anchor: now } }
    expect: { valid: true }
  - undo: true
assertions:
  - type: final_state
    expect: { fx.reverb.mix: 7 }
  - type: event_count
    event: actions.bundle_applied
    count: 1
  - type: bundle_status
    bundle: b1
    status: applied
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario, nil)

	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "steps[0] (validate): unexpected ACTION_OUT_OF_RANGE")
	assert.Contains(t, result.Errors[1], "steps[0] (validate): expected valid true, got false")
	assert.Contains(t, result.Errors[2], "steps[1] (undo): unexpected HISTORY_EMPTY")
	assert.Contains(t, result.Errors[3], "Assertion failed: final_state")
	assert.Contains(t, result.Errors[4], "Assertion failed: event_count")
	assert.Contains(t, result.Errors[5], "Assertion failed: bundle_status")
}

func TestRun_ScheduleNeedsValidation(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: orphan
description: "schedule with nothing validated"
steps:
  - schedule: {}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0]")
}

func TestRun_ServerPolicy(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: policy
description: "a low-risk server policy refuses medium-risk bundles"
policy: { maxRisk: low }
steps:
  - validate:
      bundle:
        bundleId: b1
        atomic: true
        actions:
          - { actionId: a1, type: set, target: mixer.master.volume, value: 0.5, time: { anchor: now } }
    expect: { valid: false, code: RISK_EXCEEDS_POLICY }
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario, nil)

	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps:\n  - tick: true\n",
			want: "name is required",
		},
		{
			name: "missing steps",
			yaml: "name: n\ndescription: d\n",
			want: "steps list is required",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "empty step",
			yaml: "name: n\ndescription: d\nsteps:\n  - expect: { status: applied }\n",
			want: "steps[0]: no action set",
		},
		{
			name: "two actions",
			yaml: "name: n\ndescription: d\nsteps:\n  - tick: true\n    undo: true\n",
			want: "exactly one action allowed",
		},
		{
			name: "bad wait",
			yaml: "name: n\ndescription: d\nsteps:\n  - wait: soon\n",
			want: `wait "soon"`,
		},
		{
			name: "bad apply mode",
			yaml: "name: n\ndescription: d\nsteps:\n  - schedule: { applyMode: eventually }\n",
			want: `unknown applyMode "eventually"`,
		},
		{
			name: "validate without bundle",
			yaml: "name: n\ndescription: d\nsteps:\n  - validate: { policy: { maxRisk: low } }\n",
			want: "validate requires a bundle",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: vibes\n",
			want: `unknown assertion type "vibes"`,
		},
		{
			name: "bundle_status without status",
			yaml: "name: n\ndescription: d\nsteps:\n  - tick: true\nassertions:\n  - type: bundle_status\n    bundle: b1\n",
			want: "bundle and status are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestMatchPayload(t *testing.T) {
	actual := map[string]any{
		"bundleId": "b1",
		"applied":  []any{"a1"},
		"scheduledAtTransport": map[string]any{
			"bar":  6.0,
			"beat": 1.0,
		},
	}

	assert.True(t, matchPayload(actual, nil))
	assert.True(t, matchPayload(actual, map[string]any{"bundleId": "b1"}))
	assert.True(t, matchPayload(actual, map[string]any{"scheduledAtTransport": map[string]any{"bar": 6}}))
	assert.True(t, matchPayload(actual, map[string]any{"applied": []any{"a1"}}))
	assert.False(t, matchPayload(actual, map[string]any{"bundleId": "b2"}))
	assert.False(t, matchPayload(actual, map[string]any{"missing": 1}))
	assert.False(t, matchPayload(actual, map[string]any{"scheduledAtTransport": map[string]any{"bar": 7}}))
	assert.False(t, matchPayload("not a map", map[string]any{"bundleId": "b1"}))
}

func TestAssertEventOrder(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: "a"},
		{Seq: 2, Type: "b"},
		{Seq: 3, Type: "a"},
	}

	assert.NoError(t, assertEventOrder(trace, Assertion{Events: []string{"a", "b", "a"}}))
	assert.NoError(t, assertEventOrder(trace, Assertion{Events: []string{"b", "a"}}))

	err := assertEventOrder(trace, Assertion{Events: []string{"b", "a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no b after [b a]")
}
