package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/StateFlow/internal/config"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clinicGraph = "../../configs/clinic.yaml"

func testConfig() config.Config {
	return config.Config{
		AgentFile:          clinicGraph,
		BufferEnabled:      false,
		MaxSkipDepth:       config.DefaultMaxSkipDepth,
		RetryCeiling:       config.DefaultRetryCeiling,
		MaxRepeats:         config.DefaultMaxRepeats,
		HistoryWindow:      config.DefaultHistoryWindow,
		ApprovalConfidence: config.DefaultApprovalConfidence,
		Timezone:           config.DefaultTimezone,
		BufferRetention:    config.DefaultBufferRetention,
	}
}

func TestLoadGraph(t *testing.T) {
	g, err := loadGraph(clinicGraph)
	require.NoError(t, err)
	assert.Equal(t, "ASK_NAME", g.Initial)

	bad := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`name: fax
initial: START
states:
  - name: START
    data_key: none
    tools: [send_fax]
    routes:
      persist:
        - state: START
`), 0o600))
	_, err = loadGraph(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "START.send_fax")
}

func TestValidateCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"validate", clinicGraph})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `Graph "clinic-intake" is valid`)
}

func TestRunChat(t *testing.T) {
	cfg = testConfig()
	in := bytes.NewBufferString("Oi, meu nome é João\n\ntenho 30 anos\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runChat(ctx, DefaultChatLead, in, &out))

	text := out.String()
	assert.Contains(t, text, "agent: Qual é o seu nome?")
	assert.Contains(t, text, "[ASK_AGE]")
	assert.Contains(t, text, "agent: Quantos anos você tem?")
	assert.Contains(t, text, "[MENU]")
}

func TestBuildApp_SQLiteStore(t *testing.T) {
	c := testConfig()
	c.DatabaseURL = filepath.Join(t.TempDir(), "stateflow.db")

	a, err := buildApp(context.Background(), c, appOpts{outbox: true, logOut: &bytes.Buffer{}})
	require.NoError(t, err)
	_, ok := a.store.(*store.SQLStore)
	assert.True(t, ok)

	_, err = buildApp(context.Background(), c, appOpts{logOut: &bytes.Buffer{}})
	assert.Error(t, err, "a second process on the same database is refused")
	assert.NoError(t, a.Close())
}

func TestBuildApp_UnreachableRedis(t *testing.T) {
	c := testConfig()
	c.RedisAddr = "127.0.0.1:1"

	_, err := buildApp(context.Background(), c, appOpts{logOut: &bytes.Buffer{}})
	assert.Error(t, err)
}
