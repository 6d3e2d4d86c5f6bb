package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mbox-to-eml/archive"
	"github.com/dhcgn/mbox-to-eml/filter"
)

// EnvPrefix prefixes environment variables that override flags, e.g.
// MBOX2EML_LOG_LEVEL for --log-level.
const EnvPrefix = "MBOX2EML"

// Common holds the settings shared by every command.
type Common struct {
	LogLevel string
	LogDir   string
	Workers  int
}

// IMAP configures the optional upload of split messages.
type IMAP struct {
	Host               string
	Port               int
	User               string
	Pass               string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Enabled reports whether an IMAP upload was requested.
func (c IMAP) Enabled() bool {
	return c.Host != ""
}

// SplitConfig captures the options of the split command.
type SplitConfig struct {
	Common
	Inputs    []string
	Output    string
	OutputDir string
	Manifest  string
	Filter    filter.Options
	IMAP      IMAP
}

// JoinConfig captures the options of the join command.
type JoinConfig struct {
	Common
	Inputs   []string
	Output   string
	Manifest string
}

// ServeConfig captures the options of the serve command.
type ServeConfig struct {
	Common
	Addr           string
	MaxUploadBytes int64
	Filter         filter.Options
}

// StatsConfig captures the options of the mbox-stats command.
type StatsConfig struct {
	Common
	Input     string
	ReportDir string
	TopN      int
	Filter    filter.Options
}

// RegisterGlobalFlags attaches the persistent flags shared by all commands.
func RegisterGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file; flags and "+EnvPrefix+"_* env vars take precedence")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs go to stdout only when empty)")
	flags.Int("workers", 1, "Number of mbox files processed in parallel")
}

// RegisterFilterFlags attaches the regex include/exclude flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// RegisterSplitFlags attaches the flags of the split command.
func RegisterSplitFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("output", "o", "", "Zip archive to write (default "+archive.DefaultName+")")
	flags.String("output-dir", "", "Write .eml files into this directory instead of a zip archive")
	flags.String("manifest", "", "Write a JSONL manifest of the exported files")
	RegisterFilterFlags(cmd)

	flags.String("imap-host", "", "Also upload the exported messages to this IMAP server")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for uploaded mail")
	flags.Bool("dry-run", false, "Simulate the IMAP upload and emit stats without connecting")
}

// RegisterJoinFlags attaches the flags of the join command.
func RegisterJoinFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("output", "o", "joined.mbox", "Mbox file to write")
	flags.String("manifest", "", "Order inputs by this manifest and verify their checksums")
}

// RegisterServeFlags attaches the flags of the serve command.
func RegisterServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("addr", ":8080", "Listen address")
	flags.Int("max-upload-mb", 64, "Maximum size of one upload request in MiB")
	RegisterFilterFlags(cmd)
}

// RegisterStatsFlags attaches the flags of the mbox-stats command.
func RegisterStatsFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("output", "o", ".", "Output directory for CSV reports")
	flags.IntP("top", "t", 10, "Number of top items to display in statistics")
	RegisterFilterFlags(cmd)
}

// LoadSplitConfig converts the parsed flags of the split command and its
// arguments into a validated SplitConfig.
func LoadSplitConfig(cmd *cobra.Command, args []string) (SplitConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return SplitConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return SplitConfig{}, err
	}
	filterOpts, err := loadFilter(cmd, v)
	if err != nil {
		return SplitConfig{}, err
	}

	imapPass := v.GetString("imap-pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	cfg := SplitConfig{
		Common:    common,
		Inputs:    args,
		Output:    v.GetString("output"),
		OutputDir: v.GetString("output-dir"),
		Manifest:  v.GetString("manifest"),
		Filter:    filterOpts,
		IMAP: IMAP{
			Host:               v.GetString("imap-host"),
			Port:               v.GetInt("imap-port"),
			User:               v.GetString("imap-user"),
			Pass:               imapPass,
			UseTLS:             v.GetBool("use-tls"),
			InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
			TargetFolder:       v.GetString("target-folder"),
			DryRun:             v.GetBool("dry-run"),
		},
	}

	if cfg.Output != "" && cfg.OutputDir != "" {
		return SplitConfig{}, fmt.Errorf("--output and --output-dir are mutually exclusive")
	}
	if cfg.Output == "" && cfg.OutputDir == "" {
		cfg.Output = archive.DefaultName
	}
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}

	if err := validateSplit(cfg); err != nil {
		return SplitConfig{}, err
	}
	return cfg, nil
}

// LoadJoinConfig converts the parsed flags of the join command and its
// arguments into a validated JoinConfig.
func LoadJoinConfig(cmd *cobra.Command, args []string) (JoinConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return JoinConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return JoinConfig{}, err
	}

	cfg := JoinConfig{
		Common:   common,
		Inputs:   args,
		Output:   v.GetString("output"),
		Manifest: v.GetString("manifest"),
	}

	if len(cfg.Inputs) == 0 {
		return JoinConfig{}, fmt.Errorf("at least one .eml file, directory or zip archive is required")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return JoinConfig{}, fmt.Errorf("--output is required")
	}
	return cfg, nil
}

// LoadServeConfig converts the parsed flags of the serve command into a
// validated ServeConfig.
func LoadServeConfig(cmd *cobra.Command) (ServeConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return ServeConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return ServeConfig{}, err
	}
	filterOpts, err := loadFilter(cmd, v)
	if err != nil {
		return ServeConfig{}, err
	}

	maxUploadMB := v.GetInt("max-upload-mb")
	if maxUploadMB <= 0 {
		return ServeConfig{}, fmt.Errorf("--max-upload-mb must be positive")
	}

	cfg := ServeConfig{
		Common:         common,
		Addr:           v.GetString("addr"),
		MaxUploadBytes: int64(maxUploadMB) << 20,
		Filter:         filterOpts,
	}
	if cfg.Addr == "" {
		return ServeConfig{}, fmt.Errorf("--addr is required")
	}
	return cfg, nil
}

// LoadStatsConfig converts the parsed flags of the mbox-stats command into a
// validated StatsConfig.
func LoadStatsConfig(cmd *cobra.Command, args []string) (StatsConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return StatsConfig{}, err
	}
	common, err := loadCommon(v)
	if err != nil {
		return StatsConfig{}, err
	}
	filterOpts, err := loadFilter(cmd, v)
	if err != nil {
		return StatsConfig{}, err
	}

	if len(args) != 1 {
		return StatsConfig{}, fmt.Errorf("exactly one mbox file is required")
	}
	cfg := StatsConfig{
		Common:    common,
		Input:     args[0],
		ReportDir: v.GetString("output"),
		TopN:      v.GetInt("top"),
		Filter:    filterOpts,
	}
	if cfg.TopN <= 0 {
		return StatsConfig{}, fmt.Errorf("--top must be positive")
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "."
	}
	return cfg, nil
}

// newViper resolves settings for one command: changed flags first, then
// environment variables, then the config file, then flag defaults.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, fmt.Errorf("bind inherited flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func loadCommon(v *viper.Viper) (Common, error) {
	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	c := Common{
		LogLevel: logLevel,
		LogDir:   v.GetString("log-dir"),
		Workers:  v.GetInt("workers"),
	}
	if c.LogDir != "" {
		c.LogDir = filepath.Clean(c.LogDir)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Common{}, fmt.Errorf("invalid --log-level: %s", c.LogLevel)
	}
	if c.Workers < 1 {
		return Common{}, fmt.Errorf("--workers must be at least 1")
	}
	return c, nil
}

func loadFilter(cmd *cobra.Command, v *viper.Viper) (filter.Options, error) {
	var (
		opts filter.Options
		err  error
	)
	if opts.IncludeHeader, err = stringList(cmd, v, "include-header"); err != nil {
		return filter.Options{}, err
	}
	if opts.IncludeBody, err = stringList(cmd, v, "include-body"); err != nil {
		return filter.Options{}, err
	}
	if opts.ExcludeHeader, err = stringList(cmd, v, "exclude-header"); err != nil {
		return filter.Options{}, err
	}
	if opts.ExcludeBody, err = stringList(cmd, v, "exclude-body"); err != nil {
		return filter.Options{}, err
	}

	includeActive := len(opts.IncludeHeader) > 0 || len(opts.IncludeBody) > 0
	excludeActive := len(opts.ExcludeHeader) > 0 || len(opts.ExcludeBody) > 0
	if includeActive && excludeActive {
		return filter.Options{}, fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return opts, nil
}

// stringList reads a repeatable pattern flag. Patterns may contain commas
// and spaces, so changed flags are read verbatim; an environment variable
// holds a single pattern and a config file a YAML list.
func stringList(cmd *cobra.Command, v *viper.Viper, key string) ([]string, error) {
	if f := cmd.Flags().Lookup(key); f != nil && f.Changed {
		return cmd.Flags().GetStringArray(key)
	}

	switch val := v.Get(key).(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return []string{val}, nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("--%s: unsupported value %v", key, val)
	}
}

func validateSplit(cfg SplitConfig) error {
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("at least one mbox file is required")
	}
	if !cfg.IMAP.Enabled() {
		return nil
	}
	if cfg.IMAP.User == "" {
		return fmt.Errorf("--imap-user is required with --imap-host")
	}
	if cfg.IMAP.Pass == "" && !cfg.IMAP.DryRun {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}
