package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jupark12/build-broker/client"
	"github.com/jupark12/build-broker/config"
	"github.com/jupark12/build-broker/models"
)

var (
	submitMode     string
	submitEmail    string
	submitCallback string

	historyEmail  string
	historyFormat string

	loginEmail    string
	loginPassword string
)

var submitCmd = &cobra.Command{
	Use:   "submit <archive.zip>",
	Short: "Upload a zipped project as a build job",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished jobs for a requester",
	Long: `List finished jobs for a requester in the order they finished.

With agent.token set the broker identifies the requester from the token and
--email may be omitted.`,
	RunE: runHistory,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print a bearer token",
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(submitCmd, historyCmd, loginCmd)

	for _, c := range []*cobra.Command{submitCmd, historyCmd, loginCmd} {
		c.Flags().String("broker", "", "broker base URL")
	}

	submitCmd.Flags().StringVar(&submitMode, "mode", models.DefaultBuildMode, "build mode")
	submitCmd.Flags().StringVar(&submitEmail, "email", "", "requester email")
	submitCmd.Flags().StringVar(&submitCallback, "callback", "", "URL to POST the finished job to")

	historyCmd.Flags().StringVar(&historyEmail, "email", "", "requester email")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "o", "table", "output format (table, json, yaml)")

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")
}

// apiClient builds a broker client from config, honoring a --broker flag on
// the running command.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	broker := cfg.Agent.BrokerURL
	if f := cmd.Flags().Lookup("broker"); f != nil && f.Changed {
		broker = f.Value.String()
	}

	var opts []client.Option
	if cfg.Agent.Token != "" {
		opts = append(opts, client.WithToken(cfg.Agent.Token))
	}
	return client.New(broker, opts...), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	api, err := apiClient(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	jobID, err := api.Submit(cmd.Context(), f, filepath.Base(args[0]), client.SubmitRequest{
		BuildMode:   submitMode,
		Email:       submitEmail,
		CallbackURL: submitCallback,
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	api, err := apiClient(cmd)
	if err != nil {
		return err
	}
	records, err := api.History(cmd.Context(), historyEmail)
	if err != nil {
		return err
	}
	return writeHistory(cmd.OutOrStdout(), records, historyFormat)
}

func runLogin(cmd *cobra.Command, args []string) error {
	api, err := apiClient(cmd)
	if err != nil {
		return err
	}
	resp, err := api.Login(cmd.Context(), loginEmail, loginPassword)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
	return nil
}

func writeHistory(w io.Writer, records []models.JobRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB ID\tMODE\tSTATE\tSUBMITTED\tRESULT")
		for _, r := range records {
			result := r.OutputRef
			if r.State == models.StateFailed {
				result = r.ErrorDetail
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.JobID, r.BuildMode, r.State, r.SubmittedAt.Format("2006-01-02 15:04:05"), result)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
