// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package interop

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/ks/client"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBundledScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.Len(t, files, 3)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Cases)
		})
	}
}

func TestKeystoreScenarioRepeatCase(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/keystore_scripting.yaml")
	require.NoError(t, err)
	require.Len(t, s.Cases, 5)

	last := s.Cases[4]
	assert.Equal(t, "ks_sub_native_pub_repeat", last.Name)
	require.Len(t, last.Steps, 3)
	assert.Equal(t, &SubStep{Flavour: client.Scripting, Keystore: true, Args: "-x 2"}, last.Steps[0].Sub)
	assert.Equal(t, &PubStep{Flavour: client.Native, Args: "-x 2 a/b/c"}, last.Steps[1].Pub)
	assert.Equal(t, Topics{"a/b/c"}, last.Steps[2].Expect.Want)
}

func TestParseScenario(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		err  string
	}{
		{
			name: "valid",
			doc: `
name: s
cases:
  - name: c
    steps:
      - sub: {as: one, flavour: native, args: a/b/c}
      - pub: {flavour: managed, args: a/b/c}
      - expect: {sub: one, want: a/b/c}
      - reset: true
`,
		},
		{name: "unknown field", doc: "name: s\ncase: []\n", err: "failed to parse YAML"},
		{name: "no name", doc: "cases: [{name: c, steps: [{reset: true}]}]\n", err: "name is required"},
		{name: "no cases", doc: "name: s\n", err: "cases list is required"},
		{
			name: "duplicate case",
			doc:  "name: s\ncases: [{name: c, steps: [{reset: true}]}, {name: c, steps: [{reset: true}]}]\n",
			err:  "duplicate name",
		},
		{name: "empty step", doc: "name: s\ncases: [{name: c, steps: [{}]}]\n", err: "exactly one of"},
		{
			name: "two kinds",
			doc:  "name: s\ncases: [{name: c, steps: [{reset: true, pub: {flavour: native}}]}]\n",
			err:  "exactly one of",
		},
		{
			name: "bad flavour",
			doc:  "name: s\ncases: [{name: c, steps: [{pub: {flavour: fortran}}]}]\n",
			err:  "unknown client flavour",
		},
		{
			name: "expect first",
			doc:  "name: s\ncases: [{name: c, steps: [{expect: {want: a}}]}]\n",
			err:  "expect before any sub",
		},
		{
			name: "unknown sub",
			doc:  "name: s\ncases: [{name: c, steps: [{sub: {flavour: native}}, {expect: {sub: other, want: a}}]}]\n",
			err:  "unknown subscriber",
		},
		{
			name: "sub reset",
			doc:  "name: s\ncases: [{name: c, steps: [{sub: {flavour: native}}, {reset: true}, {expect: {want: a}}]}]\n",
			err:  "expect before any sub",
		},
		{
			name: "want mapping",
			doc:  "name: s\ncases: [{name: c, steps: [{sub: {flavour: native}}, {expect: {want: {a: b}}}]}]\n",
			err:  "want must be a topic path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestTopicsScalarAndList(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: s
cases:
  - name: c
    steps:
      - sub: {flavour: native}
      - expect: {want: a/b/c}
      - expect: {want: [a/b/c, "x | y"]}
      - expect: {want: []}
`))
	require.NoError(t, err)
	steps := s.Cases[0].Steps
	assert.Equal(t, Topics{"a/b/c"}, steps[1].Expect.Want)
	assert.Equal(t, Topics{"a/b/c", "x | y"}, steps[2].Expect.Want)
	assert.Empty(t, steps[3].Expect.Want)
}

func TestResultRender(t *testing.T) {
	res := &Result{
		Scenario: "keystore-scripting",
		Cases: []CaseResult{
			{Name: "ks_sub_ks_pub", Pass: true, Duration: 1200 * time.Millisecond},
			{Name: "native_sub_ks_pub", Pass: true, Duration: 900 * time.Millisecond},
			{
				Name:     "ks_sub_native_pub",
				Error:    "step 2: ks-sub-scripting-7: count mismatch: want 1 [a/b/c], got 2 [a/b/c a/b/c], unexpected [a/b/c]",
				Duration: 10 * time.Second,
			},
			{
				Name:  "ks_sub_native_pub_repeat",
				Error: "step 0: subscriber not ready: ks-sub-scripting-9 exited: exit status 1\n\tError: connect: connection refused",
			},
		},
	}
	assert.Equal(t, 2, res.Passed())
	assert.Equal(t, 2, res.Failed())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "result_render", []byte(res.Render()))
}
