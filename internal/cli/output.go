package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// OutputWriter handles CLI output formatting
type OutputWriter struct {
	out      io.Writer
	errOut   io.Writer
	format   types.OutputFormat
	quiet    bool
	verbose  bool
	warnings []types.CLIWarning
}

// NewOutputWriter creates a new output writer
func NewOutputWriter(out, errOut io.Writer, format types.OutputFormat, quiet, verbose bool) *OutputWriter {
	return &OutputWriter{
		out:      out,
		errOut:   errOut,
		format:   format,
		quiet:    quiet,
		verbose:  verbose,
		warnings: []types.CLIWarning{},
	}
}

func newOutput(cmd *cobra.Command) *OutputWriter {
	flags := GetGlobalFlags()
	return NewOutputWriter(cmd.OutOrStdout(), cmd.ErrOrStderr(), flags.OutputFmt, flags.Quiet, flags.Verbose)
}

// AddWarning adds a warning to the output
func (w *OutputWriter) AddWarning(code, message, severity string) {
	w.warnings = append(w.warnings, types.CLIWarning{
		Code:     code,
		Message:  message,
		Severity: severity,
	})
}

func (w *OutputWriter) envelope(command string, data interface{}, errs []types.CLIError) types.CLIOutput {
	return types.CLIOutput{
		SchemaVersion: utils.SchemaVersion,
		TraceID:       uuid.New().String(),
		Command:       command,
		Data:          data,
		Warnings:      w.warnings,
		Errors:        errs,
	}
}

// WriteSuccess writes a successful result
func (w *OutputWriter) WriteSuccess(command string, data interface{}) error {
	output := w.envelope(command, data, []types.CLIError{})
	switch w.format {
	case types.OutputFormatJSON:
		return w.writeJSON(output)
	case types.OutputFormatYAML:
		return w.writeYAML(output)
	}
	return w.writeTable(command, data)
}

// WriteError reports cliErr in the selected format and returns it as an
// error carrying the matching exit code.
func (w *OutputWriter) WriteError(command string, cliErr types.CLIError) error {
	output := w.envelope(command, nil, []types.CLIError{cliErr})
	switch w.format {
	case types.OutputFormatJSON:
		_ = w.writeJSON(output)
	case types.OutputFormatYAML:
		_ = w.writeYAML(output)
	default:
		fmt.Fprintf(w.errOut, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
		for _, warn := range w.warnings {
			fmt.Fprintf(w.errOut, "Warning [%s]: %s\n", warn.Code, warn.Message)
		}
	}
	return utils.NewAppError(cliErr)
}

// Fail reports err, keeping the code of an AppError and using fallback
// for anything else.
func (w *OutputWriter) Fail(command string, err error, fallback string) error {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return w.WriteError(command, appErr.CLIError)
	}
	return w.WriteError(command, utils.NewCLIError(fallback, err.Error()).Build())
}

func (w *OutputWriter) writeJSON(output types.CLIOutput) error {
	encoder := json.NewEncoder(w.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func (w *OutputWriter) writeYAML(output types.CLIOutput) error {
	// Round-trip through JSON so YAML keys follow the json tags
	raw, err := json.Marshal(output)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(w.out)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(generic)
}

func (w *OutputWriter) writeTable(command string, data interface{}) error {
	if renderer, ok := data.(types.TableRenderer); ok {
		return w.renderTable(renderer)
	}
	if text, ok := data.(fmt.Stringer); ok {
		fmt.Fprintln(w.out, text.String())
		return nil
	}
	if m, ok := data.(map[string]interface{}); ok {
		return w.renderTable(mapTable(m))
	}
	return w.writeJSON(w.envelope(command, data, []types.CLIError{}))
}

func (w *OutputWriter) renderTable(renderer types.TableRenderer) error {
	rows := renderer.Rows()
	if len(rows) == 0 {
		if !w.quiet {
			fmt.Fprintln(w.out, renderer.EmptyMessage())
		}
		return nil
	}

	table := tablewriter.NewWriter(w.out)
	table.SetHeader(renderer.Headers())
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, row := range rows {
		table.Append(row)
	}

	table.Render()
	return nil
}

// Log writes to stderr if not quiet
func (w *OutputWriter) Log(format string, args ...interface{}) {
	if !w.quiet {
		fmt.Fprintf(w.errOut, format+"\n", args...)
	}
}

// Verbose writes to stderr if verbose is enabled
func (w *OutputWriter) Verbose(format string, args ...interface{}) {
	if w.verbose {
		fmt.Fprintf(w.errOut, "[VERBOSE] "+format+"\n", args...)
	}
}

// mapTable renders a flat map as key/value rows in key order
type mapTable map[string]interface{}

func (m mapTable) Headers() []string { return []string{"Key", "Value"} }

func (m mapTable) Rows() [][]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, formatValue(m[k])})
	}
	return rows
}

func (m mapTable) EmptyMessage() string { return "Nothing to show" }

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case []string:
		if len(t) == 0 {
			return "-"
		}
		return strings.Join(t, ", ")
	case string:
		if t == "" {
			return "-"
		}
		return t
	}
	return fmt.Sprint(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytes))
}
