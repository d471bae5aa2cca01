package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callscribe/internal/report"
	"callscribe/internal/types"
)

// apiFlags point the CLI subcommands at a running `callscribe run` instance.
type apiFlags struct {
	addr     string
	username string
	password string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", envOr("CALLSCRIBE_ADDR", "http://localhost:8080"), "base URL of the running service")
	cmd.Flags().StringVar(&f.username, "user", os.Getenv("WEBUI_USERNAME"), "web UI username")
	cmd.Flags().StringVar(&f.password, "pass", os.Getenv("WEBUI_PASSWORD"), "web UI password")
}

func (f *apiFlags) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, strings.TrimRight(f.addr, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(f.username, f.password)
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func reprocessCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "reprocess <unit-id>",
		Short: "Force a unit through the pipeline again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.do(http.MethodPost, "/api/calls/"+args[0]+"/reprocess")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("reprocess failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			fmt.Printf("reprocess accepted for %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "export <out.xlsx>",
		Short: "Export the call index as an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.do(http.MethodGet, "/api/calls")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("listing calls failed: %s", resp.Status)
			}
			var views []struct {
				ID        string    `json:"id"`
				File      string    `json:"file"`
				Status    string    `json:"status"`
				Attempts  int       `json:"attempts"`
				Reason    string    `json:"reason"`
				ArrivedAt time.Time `json:"arrived_at"`
				UpdatedAt time.Time `json:"updated_at"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
				return fmt.Errorf("decode call list: %w", err)
			}
			units := make([]types.AudioUnit, 0, len(views))
			for _, v := range views {
				units = append(units, types.AudioUnit{
					ID:        v.ID,
					Path:      v.File,
					Status:    types.Status(v.Status),
					Attempts:  v.Attempts,
					LastError: v.Reason,
					ArrivedAt: v.ArrivedAt,
					UpdatedAt: v.UpdatedAt,
				})
			}
			if err := report.Export(args[0], units); err != nil {
				return err
			}
			fmt.Printf("exported %d calls to %s\n", len(units), args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
