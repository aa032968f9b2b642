package types

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	Profile   string
	ConfigDir string
	OutputFmt OutputFormat
	Quiet     bool
	Verbose   bool
	Debug     bool
	LogFile   string
	NoColor   bool
}
