package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagetrail/recorder/internal/control"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
)

var (
	loginEmail    string
	loginPassword string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recording and login state of the running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agentClient()
		if err != nil {
			return err
		}
		var rec models.RecordingStatus
		if err := c.call(cmd.Context(), "GET", "/status", nil, &rec); err != nil {
			return err
		}
		var login models.SessionState
		if err := c.call(cmd.Context(), "GET", "/login-state", nil, &login); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if rec.IsRecording {
			fmt.Fprintf(out, "Recording:  yes (%s)\n", rec.RecordingID)
		} else {
			fmt.Fprintln(out, "Recording:  no")
		}
		if login.IsLoggedIn {
			fmt.Fprintf(out, "Logged in:  %s (%s)\n", login.UserName, login.UserID)
		} else {
			fmt.Fprintln(out, "Logged in:  no")
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording the attached page",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ackCommand(cmd, "/recording/start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current recording and upload pending recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ackCommand(cmd, "/recording/stop")
	},
}

func ackCommand(cmd *cobra.Command, path string) error {
	c, err := agentClient()
	if err != nil {
		return err
	}
	var ack relay.Ack
	if err := c.call(cmd.Context(), "POST", path, nil, &ack); err != nil {
		return err
	}
	if ack.RecordingID != "" {
		fmt.Fprintln(cmd.OutOrStdout(), ack.RecordingID)
	}
	return nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log the agent in to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginPassword == "" {
			loginPassword = os.Getenv("PAGETRAIL_PASSWORD")
		}
		if loginEmail == "" || loginPassword == "" {
			return fmt.Errorf("--email and --password (or PAGETRAIL_PASSWORD) are required")
		}
		c, err := agentClient()
		if err != nil {
			return err
		}
		var st models.SessionState
		if err := c.call(cmd.Context(), "POST", "/login", control.LoginRequest{Email: loginEmail, Password: loginPassword}, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", st.UserName)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log the agent out",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agentClient()
		if err != nil {
			return err
		}
		return c.call(cmd.Context(), "POST", "/logout", nil, nil)
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List recordings waiting for upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agentClient()
		if err != nil {
			return err
		}
		var entries []models.IndexEntry
		if err := c.call(cmd.Context(), "GET", "/pending", nil, &entries); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No pending recordings")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s  %s\n", e.RecordingID, time.UnixMilli(e.CreatedAt).Format(time.RFC3339), e.SourceURL)
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Upload every pending recording now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := agentClient()
		if err != nil {
			return err
		}
		var res control.DrainResponse
		if err := c.call(cmd.Context(), "POST", "/drain", nil, &res); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password")
}

func agentClient() (*controlClient, error) {
	if controlAddr != "" {
		return newControlClient(controlAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newControlClient(cfg.Agent.ListenAddr), nil
}
