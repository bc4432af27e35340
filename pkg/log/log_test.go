package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainInline(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithNodeID("node-1").Warn().Str("extra", "v").Msg("heartbeat late")
	WithComponent("bus").Info().Msg("link open")
	WithTenantID("tenant-1").Debug().Msg("queued")
	WithBotID("bot-1").Error().Msg("import failed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "node-1", first["node_id"])
	assert.Equal(t, "warn", first["level"])
	assert.Equal(t, "heartbeat late", first["message"])
	assert.Equal(t, "v", first["extra"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "bus", second["component"])

	var third map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[2], &third))
	assert.Equal(t, "tenant-1", third["tenant_id"])

	var fourth map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[3], &fourth))
	assert.Equal(t, "bot-1", fourth["bot_id"])
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("bus").Debug().Msg("dropped")
	WithComponent("bus").Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Contains(t, string(lines[0]), "kept")
}
