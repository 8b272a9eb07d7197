package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/dnscheck"
)

// gmailSPFInclude authorizes Google's outbound servers
const gmailSPFInclude = "include:_spf.google.com"

var (
	dnsDomain     string
	dnsSelector   string
	dnsSPFInclude string
	dnsTimeout    time.Duration
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM and DMARC records of the sender domain",
	Long: `Check that the sender domain publishes the records providers expect from bulk senders.
With -c, the domain, selector and DKIM key are taken from the configuration
and the published DKIM key is compared with the configured one.`,
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsDomain, "domain", "", "Sender domain (default: from config)")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector (default: from config)")
	dnsCheckCmd.Flags().StringVar(&dnsSPFInclude, "spf-include", "", "Mechanism the SPF record must contain")
	dnsCheckCmd.Flags().DurationVar(&dnsTimeout, "timeout", 10*time.Second, "Lookup timeout")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if cfgFile != "" {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	domain, opts, err := checkOptions(cfg, dnsDomain, dnsSelector, dnsSPFInclude)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()

	result, err := dnscheck.NewChecker(nil).CheckDomain(ctx, domain, opts)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", domain, err)
	}

	printCheckResult(os.Stdout, result)
	if !result.Summary.Ready() {
		return fmt.Errorf("sender domain %s is not ready", result.Domain)
	}
	return nil
}

// checkOptions merges flags over the configured sender identity
func checkOptions(cfg *config.Config, domain, selector, include string) (string, dnscheck.CheckOptions, error) {
	opts := dnscheck.CheckOptions{Selector: selector, SPFInclude: include}

	if cfg != nil {
		if domain == "" {
			domain = cfg.DKIM.Domain
		}
		if domain == "" {
			from := cfg.Transport.From
			if from == "" {
				from = cfg.Transport.GmailUser
			}
			domain = senderDomain(from)
		}
		if cfg.DKIM.Enabled {
			if opts.Selector == "" {
				opts.Selector = cfg.DKIM.Selector
			}
			key, err := dkim.LoadPrivateKey(cfg.DKIM.KeyFile)
			if err != nil {
				return "", opts, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			opts.PublicKey = &key.PublicKey
		}
		if opts.SPFInclude == "" && cfg.Transport.Provider == "gmail" {
			opts.SPFInclude = gmailSPFInclude
		}
	}

	if domain == "" {
		return "", opts, fmt.Errorf("sender domain is required (use --domain or -c)")
	}
	return domain, opts, nil
}

func printCheckResult(w io.Writer, result *dnscheck.DomainCheckResult) {
	fmt.Fprintf(w, "DNS check for %s\n\n", result.Domain)

	for _, r := range result.Results {
		fmt.Fprintf(w, "[%s] %s\n", statusLabel(r.Status), r.Type)
		if r.Value != "" {
			fmt.Fprintf(w, "  Value: %s\n", r.Value)
		}
		if r.Message != "" {
			fmt.Fprintf(w, "  %s\n", r.Message)
		}
	}

	s := result.Summary
	fmt.Fprintf(w, "\nSummary: %d ok, %d warnings, %d errors, %d not found\n", s.OK, s.Warnings, s.Errors, s.NotFound)
}

func statusLabel(status string) string {
	switch status {
	case dnscheck.StatusOK:
		return "OK"
	case dnscheck.StatusWarning:
		return "WARN"
	case dnscheck.StatusNotFound:
		return "MISSING"
	default:
		return "FAIL"
	}
}
