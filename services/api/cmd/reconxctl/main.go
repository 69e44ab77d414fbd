package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"reconx/services/execution"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "reconxctl",
		Short:         "Command-line client for the reconx API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiBase, "api", defaultAPIBase(), "Base URL of the reconx API")

	cmd.AddCommand(newPOCsCommand(&apiBase))
	cmd.AddCommand(newExecuteCommand(&apiBase))
	cmd.AddCommand(newTailCommand(&apiBase))
	cmd.AddCommand(newScansCommand(&apiBase))
	return cmd
}

func defaultAPIBase() string {
	if base := strings.TrimSpace(os.Getenv("RECONX_API")); base != "" {
		return base
	}
	return "http://127.0.0.1:8080"
}

func newPOCsCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pocs",
		Short: "POC catalog operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered POCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*apiBase + "/v1/pocs")
		},
	})
	return cmd
}

func newExecuteCommand(apiBase *string) *cobra.Command {
	var (
		target  string
		command string
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "execute <poc-id>",
		Short: "Execute a POC against a target URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pocID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid poc id %q", args[0])
			}

			body, err := json.Marshal(map[string]any{
				"target_url": target,
				"command":    command,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(
				fmt.Sprintf("%s/v1/pocs/%s/execute", *apiBase, pocID),
				"application/json",
				bytes.NewReader(body),
			)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				return apiError(resp)
			}

			var payload struct {
				ExecutionID uuid.UUID `json:"execution_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return err
			}
			fmt.Printf("execution %s started\n", payload.ExecutionID)

			if follow {
				return tailExecution(*apiBase, payload.ExecutionID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Target URL substituted into the POC command")
	cmd.Flags().StringVar(&command, "command", "", "Override command template (optional)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Stream execution logs until the terminal event")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newTailCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <execution-id>",
		Short: "Stream live logs for a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}
			return tailExecution(*apiBase, id)
		},
	}
}

func newScansCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scans",
		Short: "Reconnaissance scan operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start <target-domain>",
		Short: "Queue a scan against a target domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"target": args[0]})
			if err != nil {
				return err
			}
			resp, err := http.Post(*apiBase+"/v1/scans", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return apiError(resp)
			}
			return printBody(resp.Body)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*apiBase + "/v1/scans")
		},
	})
	return cmd
}

// tailExecution streams events over the logs websocket until the server
// closes the stream after the terminal event.
func tailExecution(apiBase string, id uuid.UUID) error {
	wsBase := strings.Replace(apiBase, "http", "ws", 1)
	url := fmt.Sprintf("%s/v1/executions/%s/logs", wsBase, id)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", url, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	for {
		var ev execution.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fmt.Printf("%s [%s] %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
		if ev.Type.Terminal() {
			return nil
		}
	}
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return printBody(resp.Body)
}

func printBody(r io.Reader) error {
	var payload any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, payload.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
