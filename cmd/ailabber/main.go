package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/ailabber/ailabber/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ailabber",
	Short: "ailabber - Slurm task broker for local and remote clusters",
	Long: `ailabber submits, tracks and harvests results of batch jobs on Slurm
clusters: one local cluster reachable directly, and one remote cluster
reachable through an SSH tunnel.

The CLI talks to a Local Proxy daemon over HTTP on loopback; start it with
"ailabber proxy". The remote cluster is fronted by "ailabber server".`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ailabber version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("proxy-url", "http://127.0.0.1:8080", "Local Proxy base URL")
	rootCmd.PersistentFlags().String("username", "", "Ownership tag (defaults to the OS user)")

	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(localRunCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(cancelCmd)
}

// proxyClient builds the HTTP client from the persistent flags.
func proxyClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("proxy-url")
	return client.New(url)
}

// username resolves the ownership tag: the flag when set, the OS user
// otherwise.
func username(cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("username")
	if name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("cannot determine username: %v", err)
	}
	return u.Username, nil
}
