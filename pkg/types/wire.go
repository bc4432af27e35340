package types

// CommandType is a coordinator-to-agent command on the node link.
type CommandType string

const (
	CommandBotStart        CommandType = "bot.start"
	CommandBotStop         CommandType = "bot.stop"
	CommandBotRestart      CommandType = "bot.restart"
	CommandBotUpdate       CommandType = "bot.update"
	CommandBotExport       CommandType = "bot.export"
	CommandBotImport       CommandType = "bot.import"
	CommandBotRemove       CommandType = "bot.remove"
	CommandBotLogs         CommandType = "bot.logs"
	CommandBotInspect      CommandType = "bot.inspect"
	CommandBackupUpload    CommandType = "backup.upload"
	CommandBackupDownload  CommandType = "backup.download"
	CommandBackupNightly   CommandType = "backup.run-nightly"
	CommandBackupHot       CommandType = "backup.run-hot"
)

// AllowedCommands is the closed allowlist of command types the bus will send.
var AllowedCommands = map[CommandType]bool{
	CommandBotStart:       true,
	CommandBotStop:        true,
	CommandBotRestart:     true,
	CommandBotUpdate:      true,
	CommandBotExport:      true,
	CommandBotImport:      true,
	CommandBotRemove:      true,
	CommandBotLogs:        true,
	CommandBotInspect:     true,
	CommandBackupUpload:   true,
	CommandBackupDownload: true,
	CommandBackupNightly:  true,
	CommandBackupHot:      true,
}

// CommandFrame is a coordinator-to-agent request frame.
type CommandFrame struct {
	ID      string                 `json:"id"`
	Type    CommandType            `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CommandResultFrame is an agent-to-coordinator response frame, correlated
// with the originating command by ID.
type CommandResultFrame struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"` // always "command_result"
	Command string                 `json:"command,omitempty"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// HeartbeatFrame is the periodic agent health report.
type HeartbeatFrame struct {
	Type          string               `json:"type"` // "heartbeat"
	NodeID        string               `json:"node_id"`
	UptimeS       int64                `json:"uptime_s"`
	MemoryTotalMb int                  `json:"memory_total_mb"`
	MemoryUsedMb  int                  `json:"memory_used_mb"`
	DiskTotalGb   int                  `json:"disk_total_gb"`
	DiskUsedGb    int                  `json:"disk_used_gb"`
	Containers    []HeartbeatContainer `json:"containers,omitempty"`
}

// HeartbeatContainer is one container entry inside a heartbeat.
type HeartbeatContainer struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	MemoryMb int    `json:"memory_mb"`
	UptimeS  int64  `json:"uptime_s"`
}

// HealthEventFrame is an unsolicited agent notification about a container.
type HealthEventFrame struct {
	Type      string `json:"type"` // "health_event"
	NodeID    string `json:"node_id"`
	Container string `json:"container"`
	Event     string `json:"event"` // died, oom_killed, unhealthy, restarted, disk_low
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// FrameType values for inbound frame dispatch.
const (
	FrameTypeHeartbeat     = "heartbeat"
	FrameTypeCommandResult = "command_result"
	FrameTypeHealthEvent   = "health_event"
)
