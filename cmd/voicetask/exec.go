package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/voicetask/internal/dispatch"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

const passwordEnv = "VOICETASK_PASSWORD"

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Translate and run one instruction on a remote host",
	Example: `  voicetask exec --host 10.0.0.5 --username Administrator --text "list running services"
  voicetask exec --host build-01 --username ubuntu --os linux --audio request.wav`,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentialFlags(cmd)
		if err != nil {
			return err
		}
		text, _ := cmd.Flags().GetString("text")
		audioPath, _ := cmd.Flags().GetString("audio")
		osHint, _ := cmd.Flags().GetString("os")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := newApp(cmd.Context(), appOptions{translate: true})
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.dispatcher.Dispatch(cmd.Context(), dispatch.Request{
			Credentials: creds,
			Instruction: text,
			AudioPath:   audioPath,
			OS:          osHint,
		})
		if err != nil {
			return err
		}
		return printDispatch(cmd.OutOrStdout(), resp, asJSON)
	},
}

func init() {
	addCredentialFlags(execCmd)
	execCmd.Flags().StringP("text", "t", "", "Instruction text")
	execCmd.Flags().StringP("audio", "a", "", "Path to an audio file holding the instruction")
	execCmd.Flags().String("os", "", "Target OS hint (windows, linux, mac)")
	execCmd.Flags().Bool("json", false, "Print the response as JSON")
}

func addCredentialFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "Target host")
	cmd.Flags().StringP("username", "u", "", "Remote username")
	cmd.Flags().StringP("password", "p", "", "Remote password (defaults to $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("username")
}

func credentialFlags(cmd *cobra.Command) (models.Credentials, error) {
	host, _ := cmd.Flags().GetString("host")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if password == "" {
		return models.Credentials{}, fmt.Errorf("password is required: pass --password or set %s", passwordEnv)
	}
	return models.Credentials{Host: host, Username: username, Password: password}, nil
}

func printDispatch(w io.Writer, resp models.DispatchResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	if resp.Transcription != "" {
		fmt.Fprintf(w, "Transcription: %s\n", resp.Transcription)
	}
	if resp.Transport != "" {
		fmt.Fprintf(w, "Transport:     %s\n", resp.Transport)
	}
	if resp.Command != "" {
		fmt.Fprintf(w, "Command:       %s\n", resp.Command)
	}
	fmt.Fprintf(w, "\n%s\n", resp.Output)
	return nil
}
