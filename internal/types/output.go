package types

// OutputFormat selects how commands render their results.
type OutputFormat string

const (
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
	OutputFormatYAML  OutputFormat = "yaml"
)

// CLIOutput is the envelope written for every command in JSON/YAML mode.
type CLIOutput struct {
	SchemaVersion string       `json:"schemaVersion" yaml:"schemaVersion"`
	TraceID       string       `json:"traceId" yaml:"traceId"`
	Command       string       `json:"command" yaml:"command"`
	Data          interface{}  `json:"data" yaml:"data"`
	Warnings      []CLIWarning `json:"warnings" yaml:"warnings"`
	Errors        []CLIError   `json:"errors" yaml:"errors"`
}

// CLIError is the stable, machine-readable error shape.
type CLIError struct {
	Code       string                 `json:"code" yaml:"code"`
	Message    string                 `json:"message" yaml:"message"`
	HTTPStatus int                    `json:"httpStatus,omitempty" yaml:"httpStatus,omitempty"`
	Retryable  bool                   `json:"retryable" yaml:"retryable"`
	Context    map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
}

type CLIWarning struct {
	Code     string `json:"code" yaml:"code"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

type TableRenderer interface {
	Headers() []string
	Rows() [][]string
	EmptyMessage() string
}

