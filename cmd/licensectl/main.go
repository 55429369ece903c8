// Package main is the entrypoint for licensectl, the operator CLI for the
// AMPOS license client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"amposlicense/internal/config"
	"amposlicense/internal/infrastructure"
	"amposlicense/internal/license"
	"amposlicense/internal/security"
	"amposlicense/pkg/contracts"
	"amposlicense/pkg/contracts/domain"
)

// errLicenseInvalid makes the process exit non-zero after the verdict has
// been printed.
var errLicenseInvalid = errors.New("license is not valid")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	licenseKey string
	jsonOutput bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "licensectl",
		Short: "Inspect and verify the AMPOS license of this installation",
		Long: `licensectl runs the same verification the protected product runs at
startup and lets operators inspect or reset the local license cache.

The license key is taken from --license-key, then AMPOS_LICENSE_KEY, then the
client.license_key entry of the config file.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $AMPOS_CONFIG or ./ampos.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.licenseKey, "license-key", "", "license key override")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine readable output")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")

	rootCmd.AddCommand(
		newVersionCmd(),
		newVerifyCmd(opts),
		newRefreshCmd(opts),
		newInfoCmd(opts),
		newClearCacheCmd(opts),
		newChecksumCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Load()
	}
	return config.LoadFrom(o.configPath)
}

func (o *rootOptions) engine(cmd *cobra.Command) (*license.Engine, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := infrastructure.NewLogger(o.logLevel, cmd.ErrOrStderr())
	engine, err := license.New(cfg.Client, cfg.ResolveLicenseKey(o.licenseKey), license.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize license client: %w", err)
	}
	return engine, cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "licensectl %s\n", contracts.VersionInfo())
		},
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the license, using the cache when it is fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the cache and check in with the portal")
	return cmd
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Check in with the portal now and update the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, true)
		},
	}
}

// verdictOutput is the printed form of a verification result
type verdictOutput struct {
	Valid   bool                `json:"valid"`
	State   license.State       `json:"state"`
	Source  license.Source      `json:"source"`
	Reason  string              `json:"reason,omitempty"`
	Error   string              `json:"error,omitempty"`
	Path    []license.State     `json:"path"`
	License *domain.LicenseInfo `json:"license,omitempty"`
	Payload any                 `json:"payload,omitempty"`
}

func runVerify(cmd *cobra.Command, opts *rootOptions, force bool) error {
	engine, cfg, err := opts.engine(cmd)
	if err != nil {
		return err
	}
	res := engine.Verify(cmd.Context(), force)

	out := verdictOutput{
		Valid:   res.Valid(),
		State:   res.State,
		Source:  res.Source,
		Reason:  res.Reason,
		Path:    res.Path,
		License: res.License,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if !res.Valid() {
		if te, ok := res.TamperError(); ok {
			out.Payload = &te.Payload
		} else {
			out.Payload = res.FailurePayload(cfg.Client.Support)
		}
	}

	if err := printVerdict(cmd.OutOrStdout(), out, opts.jsonOutput); err != nil {
		return err
	}
	if !out.Valid {
		return errLicenseInvalid
	}
	return nil
}

func printVerdict(w io.Writer, out verdictOutput, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	status := "VALID"
	if !out.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(w, "License:  %s\n", status)
	fmt.Fprintf(w, "  State:  %s\n", out.State)
	fmt.Fprintf(w, "  Source: %s\n", out.Source)
	if out.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", out.Reason)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "  Error:  %s\n", out.Error)
	}
	if out.License != nil {
		printLicense(w, out.License)
	}
	return nil
}

func printLicense(w io.Writer, info *domain.LicenseInfo) {
	fmt.Fprintf(w, "  Key:         %s\n", info.LicenseKey)
	fmt.Fprintf(w, "  Status:      %s\n", info.Status)
	fmt.Fprintf(w, "  Max devices: %d\n", info.MaxDevices)
	if info.ExpiresAt != "" {
		fmt.Fprintf(w, "  Expires:     %s\n", info.ExpiresAt)
	}
	if info.CustomerName != "" {
		fmt.Fprintf(w, "  Customer:    %s\n", info.CustomerName)
	}
	if info.ProductName != "" {
		fmt.Fprintf(w, "  Product:     %s\n", info.ProductName)
	}
}

func newInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the cached license and device identity without contacting the portal",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			info, ok := engine.LicenseInfo()
			cachedAt, _ := engine.CachedAt()
			device := engine.Device()

			w := cmd.OutOrStdout()
			if opts.jsonOutput {
				out := struct {
					Cached   bool                `json:"cached"`
					CachedAt *time.Time          `json:"cached_at,omitempty"`
					License  *domain.LicenseInfo `json:"license,omitempty"`
					DeviceID string              `json:"device_id"`
					Hostname string              `json:"hostname"`
				}{Cached: ok, License: info, DeviceID: device.ID, Hostname: device.Hostname}
				if ok {
					out.CachedAt = &cachedAt
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Fprintf(w, "Device:   %s (%s)\n", device.ID, device.Hostname)
			if !ok {
				fmt.Fprintln(w, "No cached license verdict")
				return nil
			}
			fmt.Fprintf(w, "Cached:   %s (%s ago)\n", cachedAt.UTC().Format(time.RFC3339),
				time.Since(cachedAt).Round(time.Second))
			printLicense(w, info)
			return nil
		},
	}
}

func newClearCacheCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove the cached verdict and stored checksum",
		Long: `Remove the cached verdict and stored checksum.

The next verification re-establishes the integrity baseline from the files on
disk and checks in with the portal. Run this after an intentional upgrade.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			if err := engine.ClearCache(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "License cache cleared")
			return nil
		},
	}
}

func newChecksumCmd(opts *rootOptions) *cobra.Command {
	var baseDir, selfPath string
	var noSelf bool
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "Print the integrity checksum of the protected files",
		Long: `Print the integrity checksum of the protected files.

Register the printed value for a release on the portal so check-ins from
modified installations are rejected with checksum_mismatch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if baseDir == "" {
				baseDir = cfg.Client.BaseDir
			}
			switch {
			case noSelf:
				selfPath = ""
			case selfPath == "" && cfg.Client.SelfPath != "":
				selfPath = cfg.Client.SelfPath
			case selfPath == "":
				selfPath = security.SelfPath()
			}
			sum, err := security.ComputeChecksum(baseDir, cfg.Client.ProtectedFiles, selfPath)
			if err != nil {
				return fmt.Errorf("failed to compute checksum: %w", err)
			}
			if opts.jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version":  cfg.Client.Version,
					"checksum": sum,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDir, "base-dir", "", "directory the protected file list is relative to")
	cmd.Flags().StringVar(&selfPath, "self", "", "executable to include (default: client.self_path or this binary)")
	cmd.Flags().BoolVar(&noSelf, "no-self", false, "leave the executable out of the checksum")
	return cmd
}
