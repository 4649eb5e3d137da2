package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(content), 0o644))
	return dir
}

const validManifest = `name: demo
agents:
  - name: alice
    kind: echo
    init:
      prefix: "a: "
    view:
      kind: channel
  - name: bob
    kind: echo
channels:
  - name: general
    members: [alice, bob]
teams:
  - name: crew
    members: [alice, bob]
    collaboration:
      type: centralized
      coordinator: alice
    services: [voting, scratchpad]
    voting_strategy: MAJORITY_VOTE
kickoff:
  channel: general
  content: hello
stop:
  no_activity_seconds: 10
checkpoint: run.checkpoint.json
`

func TestLoadValidManifest(t *testing.T) {
	dir := writeManifest(t, validManifest)

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	require.Len(t, m.Agents, 2)
	assert.Equal(t, "a: ", m.Agents[0].Init["prefix"])
	assert.Equal(t, "channel", m.Agents[0].View.Kind)
	require.Len(t, m.Teams, 1)
	assert.Equal(t, "centralized", m.Teams[0].Collaboration.Type)
	assert.Equal(t, 10, m.Stop.NoActivitySeconds)
	assert.Equal(t, "run.checkpoint.json", m.Checkpoint)
}

func TestLoadMissingWorkspace(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := writeManifest(t, "name: demo\nagents:\n  - name: a\n    kind: echo\nsurprise: true\n")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
	}{
		{"no name", "agents:\n  - name: a\n    kind: echo\n"},
		{"no agents", "name: demo\n"},
		{"agent without kind", "name: demo\nagents:\n  - name: a\n"},
		{"duplicate agent", "name: demo\nagents:\n  - name: a\n    kind: echo\n  - name: a\n    kind: echo\n"},
		{"channel with unknown member", "name: demo\nagents:\n  - name: a\n    kind: echo\nchannels:\n  - name: c\n    members: [ghost]\n"},
		{"team with unknown member", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [ghost]\n"},
		{"centralized without coordinator", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    collaboration:\n      type: centralized\n"},
		{"coordinator not a member", "name: demo\nagents:\n  - name: a\n    kind: echo\n  - name: b\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    collaboration:\n      type: centralized\n      coordinator: b\n"},
		{"decentralized without voting", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    collaboration:\n      type: decentralized\n"},
		{"unknown collaboration", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    collaboration:\n      type: anarchy\n"},
		{"unknown service", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    services: [espresso]\n"},
		{"unknown voting strategy", "name: demo\nagents:\n  - name: a\n    kind: echo\nteams:\n  - name: t\n    members: [a]\n    services: [voting]\n    voting_strategy: COIN_FLIP\n"},
		{"kickoff without target", "name: demo\nagents:\n  - name: a\n    kind: echo\nkickoff:\n  content: hi\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeManifest(t, tc.manifest)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestKickoffEnvelope(t *testing.T) {
	m := &Manifest{
		Name:    "demo",
		Agents:  []AgentDecl{{Name: "alice", Kind: "echo"}},
		Kickoff: &KickoffDecl{Channel: "general", Content: "go"},
	}

	env := m.KickoffEnvelope("")
	require.NotNil(t, env)
	assert.Equal(t, "user", env.Source)
	assert.Equal(t, "general", env.Channel)
	assert.Equal(t, "go", env.Content)

	// -i input overrides the manifest content.
	env = m.KickoffEnvelope("custom input")
	assert.Equal(t, "custom input", env.Content)
}

func TestKickoffEnvelopeWithoutDeclaration(t *testing.T) {
	m := &Manifest{Name: "demo", Agents: []AgentDecl{{Name: "alice", Kind: "echo"}}}

	assert.Nil(t, m.KickoffEnvelope(""))

	// Input alone targets the first agent.
	env := m.KickoffEnvelope("hello")
	require.NotNil(t, env)
	assert.Equal(t, "alice", env.Destination)
	assert.Equal(t, "hello", env.Content)
}

func TestCreateScaffoldsLoadableWorkspace(t *testing.T) {
	base := t.TempDir()

	dir, err := Create(base, "demo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "demo"), dir)

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	assert.NotEmpty(t, m.Agents)
	require.NotNil(t, m.Kickoff)

	// Creating over an existing workspace fails.
	_, err = Create(base, "demo")
	assert.Error(t, err)
}
