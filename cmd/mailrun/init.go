package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/dkim"
)

var (
	initFrom      string
	initFromName  string
	initOutput    string
	initDKIM      bool
	initDKIMDir   string
	initAPIKey    string
	initGmail     bool
	initSMTPHost  string
	initSMTPPort  int
	initSMTPUser  string
	initSnapshot  string
	initSourceURL string
	initDataDir   string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize mailrun configuration",
	Long: `Interactive wizard to create a mailrun configuration file.

This command helps you set up mailrun by:
  1. Creating a configuration file
  2. Optionally generating DKIM keys
  3. Showing DNS records to add (SPF, DKIM, DMARC)

Provider passwords are never written to the file. Put them in a .env file
next to the configuration (SMTP_PASSWORD or GMAIL_APP_PASSWORD).

Examples:
  # Interactive mode - prompts for missing values
  mailrun init

  # Gmail account with an app password
  mailrun init --from news@example.com --gmail

  # Own relay with DKIM
  mailrun init --from news@example.com --smtp-host smtp.example.com --dkim`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFrom, "from", "", "Sender address (e.g., news@example.com)")
	initCmd.Flags().StringVar(&initFromName, "from-name", "", "Sender display name")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate DKIM keys")
	initCmd.Flags().StringVar(&initDKIMDir, "dkim-dir", "", "DKIM keys directory (default: <data-dir>/dkim)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initGmail, "gmail", false, "Send through Gmail with an app password")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP provider host")
	initCmd.Flags().IntVar(&initSMTPPort, "smtp-port", 587, "SMTP provider port")
	initCmd.Flags().StringVar(&initSMTPUser, "smtp-user", "", "SMTP username (default: sender address)")
	initCmd.Flags().StringVar(&initSnapshot, "snapshot", "", "Contact snapshot glob (default: <data-dir>/contacts-*.json)")
	initCmd.Flags().StringVar(&initSourceURL, "recipients-url", "", "Contact service URL")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailrun", "Data directory for campaign state and keys")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mailrun Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if initFrom == "" {
		initFrom = prompt(reader, "Sender address (e.g., news@example.com)", "")
		if initFrom == "" {
			return fmt.Errorf("sender address is required")
		}
	}
	domain := senderDomain(initFrom)
	if domain == "" {
		return fmt.Errorf("invalid sender address: %s", initFrom)
	}

	if !initGmail && initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP host (leave empty for Gmail)", "")
		initGmail = initSMTPHost == ""
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if !initDKIM {
		answer := prompt(reader, "Generate DKIM keys? [y/N]", "n")
		initDKIM = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
	}

	if initDKIMDir == "" {
		initDKIMDir = filepath.Join(initDataDir, "dkim")
	}
	if initSnapshot == "" && initSourceURL == "" {
		initSnapshot = filepath.Join(initDataDir, "contacts-*.json")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var kp *dkim.KeyPair
	var dkimKeyPath string

	if initDKIM {
		var err error
		kp, err = dkim.GenerateKey(domain, "mailrun", dkim.DefaultKeyBits)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}

		dkimKeyPath = kp.KeyPath(initDKIMDir)
		if err := kp.SavePrivateKey(dkimKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	config := generateConfig(dkimKeyPath)

	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printDNSRecords(domain, kp)
	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func senderDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

func generateConfig(dkimKeyPath string) string {
	var transport string
	if initGmail {
		transport = fmt.Sprintf(`transport:
  provider: gmail
  gmail_user: "%s"
  # gmail_app_password comes from GMAIL_APP_PASSWORD
  from: "%s"
  from_name: "%s"`, initFrom, initFrom, initFromName)
	} else {
		user := initSMTPUser
		if user == "" {
			user = initFrom
		}
		transport = fmt.Sprintf(`transport:
  provider: smtp
  host: "%s"
  port: %d
  security: starttls
  username: "%s"
  # password comes from SMTP_PASSWORD
  from: "%s"
  from_name: "%s"`, initSMTPHost, initSMTPPort, user, initFrom, initFromName)
	}

	domain := senderDomain(initFrom)
	dkimSection := ""
	if initDKIM && dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`dkim:
  enabled: true
  selector: "mailrun"
  domain: "%s"
  key_file: "%s"`, domain, dkimKeyPath)
	} else {
		dkimSection = fmt.Sprintf(`dkim:
  enabled: false
  selector: "mailrun"
  domain: "%s"
  key_file: "%s/dkim/mailrun.%s.key"`, domain, initDataDir, domain)
	}

	var recipients []string
	if initSourceURL != "" {
		recipients = append(recipients, fmt.Sprintf("  http:\n    url: \"%s\"\n    # api_key comes from RECIPIENT_SOURCE_API_KEY", initSourceURL))
	}
	if initSnapshot != "" {
		recipients = append(recipients, fmt.Sprintf("  snapshot: \"%s\"", initSnapshot))
	}

	return fmt.Sprintf(`# mailrun configuration
# Generated by: mailrun init

%s

%s

recipients:
%s

storage:
  backend: bolt
  path: "%s/campaign.db"

history:
  dir: "%s/history"
  max_age: 2160h  # 90 days

api:
  enabled: true
  listen_addr: ":8080"
  api_key: "%s"

trigger:
  interval: 1h

logging:
  level: "info"
  format: "json"
`,
		transport,
		dkimSection,
		strings.Join(recipients, "\n"),
		initDataDir,
		initDataDir,
		initAPIKey,
	)
}

func printDNSRecords(domain string, kp *dkim.KeyPair) {
	fmt.Println("DNS Records to Add")
	fmt.Println("==================")
	fmt.Println()

	spf := "v=spf1 include:_spf.google.com ~all"
	if !initGmail {
		spf = fmt.Sprintf("v=spf1 a:%s ~all", initSMTPHost)
	}
	fmt.Println("1. SPF Record (authorize your provider to send for the domain):")
	fmt.Printf("   Name:  %s\n", domain)
	fmt.Printf("   Type:  TXT\n")
	fmt.Printf("   Value: %s\n", spf)
	fmt.Println()

	if kp != nil {
		fmt.Println("2. DKIM Record (email signing):")
		fmt.Printf("   Name:  %s\n", kp.DNSName())
		fmt.Printf("   Type:  TXT\n")
		fmt.Printf("   Value: %s\n", kp.DNSRecord())
		fmt.Println()
	}

	fmt.Println("3. DMARC Record (email policy):")
	fmt.Printf("   Name:  _dmarc.%s\n", domain)
	fmt.Printf("   Type:  TXT\n")
	fmt.Printf("   Value: v=DMARC1; p=quarantine; rua=mailto:dmarc@%s\n", domain)
	fmt.Println()
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Add the DNS records shown above")
	fmt.Println()
	fmt.Println("2. Put the provider password next to the config:")
	if initGmail {
		fmt.Printf("   echo 'GMAIL_APP_PASSWORD=...' > %s\n", filepath.Join(filepath.Dir(initOutput), ".env"))
	} else {
		fmt.Printf("   echo 'SMTP_PASSWORD=...' > %s\n", filepath.Join(filepath.Dir(initOutput), ".env"))
	}
	fmt.Println()
	fmt.Println("3. Start the service:")
	fmt.Printf("   mailrun serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("4. Create and start a campaign:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/queue \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println("     -d '{\"subject\": \"Hello\", \"html\": \"<p>Hello!</p>\", \"emailsPerHour\": 100}'")
	fmt.Println("   curl -X PUT http://localhost:8080/api/v1/queue \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" -d '{\"action\": \"start\"}'\n", initAPIKey)
	fmt.Println()
}
