// cmd/autopackager/root.go - command tree and flag wiring

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/config"
	"github.com/windowsadmins/autopackager/pkg/download"
	"github.com/windowsadmins/autopackager/pkg/extract"
	"github.com/windowsadmins/autopackager/pkg/filter"
	"github.com/windowsadmins/autopackager/pkg/graph"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/packager"
	"github.com/windowsadmins/autopackager/pkg/pipeline"
	"github.com/windowsadmins/autopackager/pkg/reconcile"
	"github.com/windowsadmins/autopackager/pkg/reporting"
	"github.com/windowsadmins/autopackager/pkg/resolve"
	"github.com/windowsadmins/autopackager/pkg/retry"
	"github.com/windowsadmins/autopackager/pkg/runner"
	"github.com/windowsadmins/autopackager/pkg/version"
)

// Exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitFailures = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fatal(err error) error { return &exitError{code: exitFatal, err: err} }

var errSomeFailed = errors.New("one or more applications failed")

type options struct {
	configPath    string
	verbosity     int
	assignUsers   bool
	assignDevices bool
	intent        string
	force         bool
	tenantID      string
	clientID      string
	clientSecret  string
	apps          *filter.AppFilter
}

func newRootCmd() *cobra.Command {
	opts := &options{apps: filter.NewAppFilter()}

	root := &cobra.Command{
		Use:   "autopackager",
		Short: "Package third-party installers as .intunewin and publish them to Intune",
		Long: `autopackager downloads the latest installer of each catalog application,
wraps it with IntuneWinAppUtil into a .intunewin archive and publishes new
versions to Intune as Win32 apps superseding the older ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default "+config.DefaultConfigPath()+")")
	pf.CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (-v debug)")
	opts.apps.RegisterFlags(pf)

	uploadFlags := func(cmd *cobra.Command) {
		f := cmd.Flags()
		f.BoolVar(&opts.assignUsers, "assign-users", false, "Assign new apps to all users")
		f.BoolVar(&opts.assignDevices, "assign-devices", false, "Assign new apps to all devices")
		f.StringVar(&opts.intent, "intent", string(reconcile.Required), "Assignment intent: required or available")
		f.BoolVar(&opts.force, "force", false, "Publish even when the same version already exists")
		f.StringVar(&opts.tenantID, "tenant-id", "", "Azure AD tenant id")
		f.StringVar(&opts.clientID, "client-id", "", "App registration client id")
		f.StringVar(&opts.clientSecret, "client-secret", "", "App registration client secret")
	}

	packageCmd := &cobra.Command{
		Use:   "package",
		Short: "Download new installers and build .intunewin archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts, "package")
		},
	}
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Publish the newest archive of each application to Intune",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts, "upload")
		},
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Package and then upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), opts, "run")
		},
	}
	uploadFlags(uploadCmd)
	uploadFlags(runCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if opts.verbosity > 0 {
				version.PrintFull()
				return
			}
			version.Print()
		},
	}

	root.AddCommand(packageCmd, uploadCmd, runCmd, versionCmd)
	return root
}

// reconcileOptions turns the upload flags into reconciler options.
func (o *options) reconcileOptions() (reconcile.Options, error) {
	ro := reconcile.Options{Force: o.force}
	switch reconcile.Intent(strings.ToLower(o.intent)) {
	case reconcile.Required, "":
		ro.Intent = reconcile.Required
	case reconcile.Available:
		ro.Intent = reconcile.Available
	default:
		return ro, fmt.Errorf("invalid --intent %q (want required or available)", o.intent)
	}
	if o.assignUsers {
		ro.Assign = append(ro.Assign, reconcile.AllUsers)
	}
	if o.assignDevices {
		ro.Assign = append(ro.Assign, reconcile.AllDevices)
	}
	return ro, nil
}

// applyCredentials lets flags override configured credentials.
func (o *options) applyCredentials(cfg *config.Configuration) {
	if o.tenantID != "" {
		cfg.TenantID = o.tenantID
	}
	if o.clientID != "" {
		cfg.ClientID = o.clientID
	}
	if o.clientSecret != "" {
		cfg.ClientSecret = o.clientSecret
	}
}

func execute(ctx context.Context, opts *options, command string) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fatal(fmt.Errorf("failed to load configuration: %w", err))
	}
	opts.applyCredentials(cfg)
	if opts.verbosity > 0 {
		cfg.LogLevel = "debug"
	}

	retention := logging.DefaultRetentionPolicy()
	if cfg.KeepLogRuns > 0 {
		retention.KeepRuns = cfg.KeepLogRuns
	}
	if err := logging.Init(logging.LoggerConfig{BaseDir: cfg.LogsPath, Level: cfg.LogLevel, Retention: retention}); err != nil {
		return fatal(fmt.Errorf("failed to initialize logging: %w", err))
	}
	defer logging.CloseLogger()
	logging.Info("autopackager starting", "command", command, "version", version.Version().Version, "session", logging.GetSessionID())

	cat, err := loadCatalog(cfg)
	if err != nil {
		return fatal(err)
	}
	apps, err := opts.apps.Apply(cat)
	if err != nil {
		return fatal(err)
	}
	if len(apps) == 0 {
		logging.Info("No applications selected")
		return nil
	}

	r := &runner.Runner{Repo: cfg.RepoPath, Pipeline: newPipeline(cfg)}

	var sum *reporting.Summary
	var runErr error
	switch command {
	case "package":
		sum = r.Package(ctx, apps)
	default:
		ro, err := opts.reconcileOptions()
		if err != nil {
			return fatal(err)
		}
		if err := cfg.ValidateCredentials(); err != nil {
			return fatal(err)
		}
		session := graph.NewSession(graph.SessionOptions{
			Credentials: graph.Credentials{
				TenantID:     cfg.TenantID,
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
			},
			LoginBaseURL: cfg.LoginBaseURL,
			GraphBaseURL: cfg.GraphBaseURL,
			Timeout:      cfg.HTTPTimeout,
			Retries:      cfg.HTTPRetries,
		})
		if err := session.Connect(ctx); err != nil {
			return fatal(fmt.Errorf("failed to connect to Graph: %w", err))
		}
		r.Session = session
		r.Reconciler = &reconcile.Reconciler{
			Catalog: graph.NewClient(session, graph.Options{
				PollInterval:  cfg.CommitPollInterval,
				CommitTimeout: cfg.CommitTimeout,
			}),
			Metadata: extract.MetadataReader{},
			Verify: retry.RetryConfig{
				MaxRetries:      cfg.VerifyAttempts,
				InitialInterval: cfg.VerifyInitialDelay,
				Multiplier:      cfg.VerifyMultiplier,
			},
			IconDir: cfg.RepoPath,
		}

		if command == "upload" {
			sum, runErr = r.Upload(ctx, apps, ro)
		} else {
			sum, runErr = r.Run(ctx, apps, ro)
		}
	}

	if err := reporting.Write("", sum); err != nil {
		logging.Warn("Failed to write summary", "error", err)
	}
	sum.Print(os.Stdout)

	switch {
	case runErr != nil:
		return fatal(runErr)
	case sum.HasFailures():
		return &exitError{code: exitFailures, err: errSomeFailed}
	}
	return nil
}

func loadCatalog(cfg *config.Configuration) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Builtin()
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}

func newPipeline(cfg *config.Configuration) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Repo: cfg.RepoPath,
		Resolver: resolve.New(resolve.Options{
			Timeout:     cfg.HTTPTimeout,
			Retries:     cfg.HTTPRetries,
			GitHubToken: cfg.GitHubToken,
		}),
		Fetcher:   download.NewDownloader(cfg.DownloadRetries),
		Packer:    packager.New(cfg.PackagerPath),
		Versions:  extract.BinaryVersionReader{},
		Extractor: extract.NestedExtractor{},
	}
}
