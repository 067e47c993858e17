package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/OpenCHAMI/upsmon/internal/config"
	"github.com/OpenCHAMI/upsmon/pkg/secrets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	secretsStoreFormat    string
	secretsStoreInputFile string
)

var secretsCmd = &cobra.Command{
	Use: "secrets",
	Example: `  // generate new key and set environment variable
  export MASTER_KEY=$(upsmon secrets generatekey)

  // store credentials for the endpoint named vcenter in the config
  upsmon secrets store vcenter 'administrator@vsphere.local:password'

  // store credentials used by every endpoint without its own entry
  upsmon secrets store default root:password

  // list endpoints with stored credentials
  upsmon secrets list`,
	Short: "Manage credentials for management endpoints",
	Long: "Manage encrypted credentials for the endpoints in the config file. Endpoints whose\n" +
		"username or password is left empty in the config look them up here by name, falling\n" +
		"back to the 'default' entry. This requires generating a key and setting the\n" +
		"'MASTER_KEY' environment variable.",
}

var secretsGenerateKeyCmd = &cobra.Command{
	Use:   "generatekey",
	Args:  cobra.NoArgs,
	Short: "Generates a new 32-byte master key (in hex).",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateMasterKey()
		if err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var secretsStoreCmd = &cobra.Command{
	Use:   "store endpoint [value]",
	Args:  cobra.RangeArgs(1, 2),
	Short: "Stores credentials for an endpoint.",
	Long: "Stores credentials for an endpoint. The value is read from the second argument or\n" +
		"from --input-file, in the format given by --format:\n" +
		"  basic   username:password\n" +
		"  json    {\"username\": ..., \"password\": ...}\n" +
		"  base64  the json format, base64 encoded",
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		switch {
		case len(args) > 1 && secretsStoreInputFile != "":
			return fmt.Errorf("cannot use -i/--input-file with a positional value")
		case len(args) > 1:
			value = args[1]
		case secretsStoreInputFile != "":
			b, err := os.ReadFile(secretsStoreInputFile)
			if err != nil {
				return fmt.Errorf("failed to read input file: %w", err)
			}
			value = strings.TrimSpace(string(b))
		default:
			return fmt.Errorf("no credentials given")
		}

		creds, err := parseCredentials(value, secretsStoreFormat)
		if err != nil {
			return err
		}
		store, err := openSecrets()
		if err != nil {
			return err
		}
		return store.Put(args[0], creds)
	},
}

// parseCredentials decodes value in one of the store input formats.
func parseCredentials(value, inFormat string) (secrets.Credentials, error) {
	var creds secrets.Credentials
	switch inFormat {
	case "basic":
		username, password, ok := strings.Cut(value, ":")
		if !ok {
			return creds, fmt.Errorf("expected credentials in username:password format")
		}
		creds = secrets.Credentials{Username: username, Password: password}
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return creds, fmt.Errorf("failed to decode base64 data: %w", err)
		}
		return parseCredentials(string(decoded), "json")
	case "json":
		if err := json.Unmarshal([]byte(value), &creds); err != nil {
			return creds, fmt.Errorf("value is not valid JSON: %w", err)
		}
	default:
		return creds, fmt.Errorf("unknown input format %q (basic|json|base64)", inFormat)
	}
	if creds.Username == "" || creds.Password == "" {
		return creds, fmt.Errorf("both a username and a password are required")
	}
	return creds, nil
}

var secretsRetrieveCmd = &cobra.Command{
	Use:   "retrieve endpoint",
	Args:  cobra.ExactArgs(1),
	Short: "Prints the username stored for an endpoint, and the password with --show-password.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecrets()
		if err != nil {
			return err
		}
		creds, err := store.Get(args[0])
		if err != nil {
			return err
		}
		password := "********"
		if show, _ := cmd.Flags().GetBool("show-password"); show {
			password = creds.Password
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", args[0], creds.Username, password)
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Args:  cobra.NoArgs,
	Short: "Lists the endpoints with stored credentials.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecrets()
		if err != nil {
			return err
		}
		for _, name := range store.Endpoints() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var secretsRemoveCmd = &cobra.Command{
	Use:   "remove endpoint...",
	Args:  cobra.MinimumNArgs(1),
	Short: "Removes the credentials stored for endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecrets()
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := store.Remove(name); err != nil {
				return fmt.Errorf("failed to remove credentials: %w", err)
			}
		}
		return nil
	},
}

// openSecrets opens the store without loading the rest of the config, so
// credentials can be managed before the config is complete.
func openSecrets() (*secrets.FileStore, error) {
	config.SetDefaults(viper.GetViper())
	return secrets.OpenFromEnv(viper.GetString("secrets.file"))
}

func init() {
	secretsStoreCmd.Flags().StringVarP(&secretsStoreFormat, "format", "F", "basic", "Set the input format for the credentials (basic|json|base64).")
	secretsStoreCmd.Flags().StringVarP(&secretsStoreInputFile, "input-file", "i", "", "Set the file to read as input.")
	secretsRetrieveCmd.Flags().Bool("show-password", false, "Print the password in clear text.")

	secretsCmd.AddCommand(secretsGenerateKeyCmd)
	secretsCmd.AddCommand(secretsStoreCmd)
	secretsCmd.AddCommand(secretsRetrieveCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsRemoveCmd)

	rootCmd.AddCommand(secretsCmd)
}
