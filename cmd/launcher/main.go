// launcher provisions a parameter document, runs a local CWL/WDL engine on
// it and uploads the results to the destinations the document names.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gowe-launcher/internal/config"
	"github.com/me/gowe-launcher/internal/engine"
	"github.com/me/gowe-launcher/internal/launch"
	"github.com/me/gowe-launcher/internal/logging"
	"github.com/me/gowe-launcher/internal/notify"
	"github.com/me/gowe-launcher/internal/transfer"
	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/param"
)

var (
	configPath   string
	workDir      string
	logLevel     string
	logFormat    string
	outputFormat string
	notifyUUID   string
	verbose      bool
	quiet        bool
)

const version = "0.3.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "launcher [flags] <entrypoint> <params>",
		Short:   "Provision inputs, run a local workflow engine, upload outputs",
		Version: version,
		Long: `launcher stages the files a parameter document references, rewrites the
document for a local engine (cwltool by default), runs it and uploads each
output to the destination the document declared for it.

Examples:
  # Run a workflow with remote inputs and outputs
  launcher align.cwl job.yaml

  # Use a config file with credentials and a custom engine command
  launcher --config launcher.yaml align.cwl job.yaml

  # Check that the entrypoint and document parse
  launcher validate align.cwl job.yaml
`,
		Args:         cobra.ExactArgs(2),
		RunE:         runLaunch,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Launcher config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "Directory for launch trees (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text, json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", "json", "Summary format (json|yaml)")
	rootCmd.PersistentFlags().StringVar(&notifyUUID, "notifications-uuid", "", "ID sent with webhook notifications (default: launch ID)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors")

	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (config.LauncherConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if workDir != "" {
		cfg.WorkingDirectory = workDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if quiet {
		cfg.LogLevel = "error"
	}
	return cfg, cfg.Validate()
}

// newTransferer routes file:// and bare paths locally, http(s) through the
// HTTP transferer and s3:// through the S3 transferer.
func newTransferer(ctx context.Context, cfg config.LauncherConfig, logger *slog.Logger) (transfer.Transferer, error) {
	tlsCfg, err := cfg.HTTP.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	web := transfer.NewHTTPTransferer(cfg.HTTP.Transfer(), tlsCfg)
	local := transfer.NewFileTransferer()

	handlers := map[string]transfer.Transferer{
		cwl.SchemeFile:  local,
		cwl.SchemeHTTP:  web,
		cwl.SchemeHTTPS: web,
	}
	s3t, err := transfer.NewS3Transferer(ctx, cfg.S3.Transfer())
	if err != nil {
		logger.Warn("s3 transfers disabled", "error", err)
	} else {
		handlers[cwl.SchemeS3] = s3t
	}
	return transfer.NewComposite(handlers, local), nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := newTransferer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	lcfg := launch.Config{
		WorkingDirectory:       cfg.WorkingDirectory,
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		TransferTimeout:        cfg.TransferTimeout,
		ExpressionLib:          cfg.Engine.ExpressionLib,
	}
	if cfg.Notifications != "" {
		lcfg.Notifier = notify.NewWebhook(cfg.Notifications, notifyUUID, cfg.NotificationsTimeout, logger)
	}
	l := launch.New(lcfg, engine.NewCommandEngine(cfg.EngineCommand(), logger), t, logger)

	res, launchErr := l.Launch(ctx, launch.Request{EntrypointPath: args[0], ParamsPath: args[1]})
	if err := writeSummary(os.Stdout, res); err != nil {
		return err
	}
	return launchErr
}

// summary is the machine-readable result printed after a launch.
type summary struct {
	LaunchID string            `json:"launch_id,omitempty" yaml:"launch_id,omitempty"`
	Root     string            `json:"root,omitempty" yaml:"root,omitempty"`
	State    string            `json:"state" yaml:"state"`
	History  []string          `json:"history" yaml:"history"`
	Uploads  []uploadSummary   `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	Failures map[string]string `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type uploadSummary struct {
	Identifier  string `json:"identifier" yaml:"identifier"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
}

func writeSummary(w io.Writer, res *launch.Result) error {
	s := summary{
		LaunchID: res.LaunchID,
		Root:     res.Root,
		State:    res.State.String(),
	}
	for _, st := range res.History {
		s.History = append(s.History, st.String())
	}
	for _, p := range res.Pairs {
		s.Uploads = append(s.Uploads, uploadSummary{Identifier: p.Identifier, Source: p.Source, Destination: p.Dest.RemoteRef})
	}
	for _, r := range []*transfer.Report{res.InputReport, res.UploadReport} {
		if r == nil {
			continue
		}
		for _, f := range r.Failed {
			if s.Failures == nil {
				s.Failures = make(map[string]string)
			}
			s.Failures[f.Key] = f.Err.Error()
		}
	}

	switch outputFormat {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <entrypoint> [params]",
		Short: "Check that an entrypoint and parameter document parse",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := cwl.LoadEntrypoint(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %q: %d inputs, %d outputs\n", ep.Kind, ep.Class, ep.Name(), len(ep.Inputs), len(ep.Outputs))
			if len(args) < 2 {
				return nil
			}

			doc, err := param.LoadDocument(args[1])
			if err != nil {
				return err
			}
			for _, in := range ep.Inputs {
				if _, ok := doc[in.ID]; !ok {
					fmt.Printf("  input %s: not set\n", in.ID)
				}
			}
			for _, out := range ep.Outputs {
				if _, ok := doc[out.ID]; !ok {
					fmt.Printf("  output %s: no destination, defaults to the working directory\n", out.ID)
				}
			}
			fmt.Println("Document is valid")
			return nil
		},
	}
}
