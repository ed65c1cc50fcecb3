package cnst

const (
	// AppName is the product name used in logs and tracer resources
	AppName = "replay"
	// AgentCommandName is the capture agent binary name
	AgentCommandName = "replay-agent"
	// IngestCommandName is the ingest service binary name
	IngestCommandName = "replay-ingest"
)

const (
	// AgentYaml is the default capture agent configuration file
	AgentYaml = "agent.yaml"
	// IngestYaml is the default ingest service configuration file
	IngestYaml = "ingest.yaml"
)
