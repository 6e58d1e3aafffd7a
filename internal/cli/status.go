package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/benteng/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the benteng daemon. When the gateway is
enabled the registry counters are queried over its API as well.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg)
	out := cmd.OutOrStdout()

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	if cfg.Gateway.Enabled {
		printGatewayStatus(out, cfg)
	}

	return nil
}

// printGatewayStatus queries the running daemon's gateway for registry
// counters. Failures are reported, not fatal; the PID answer above stands.
func printGatewayStatus(out io.Writer, cfg *config.Config) {
	url := fmt.Sprintf("http://%s:%d/api/status", cfg.Gateway.Host, cfg.Gateway.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Gateway.AuthToken)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(out, "Gateway: HTTP %d\n", resp.StatusCode)
		return
	}

	var status struct {
		State         string `json:"state"`
		ModuleCount   int    `json:"moduleCount"`
		ToolCount     int    `json:"toolCount"`
		ActivePlugins int    `json:"activePlugins"`
		Clients       int    `json:"clients"`
		HotReload     *struct {
			State string `json:"state"`
		} `json:"hotReload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(out, "Gateway: bad response (%v)\n", err)
		return
	}

	fmt.Fprintf(out, "Registry: %s\n", status.State)
	fmt.Fprintf(out, "Modules: %d\n", status.ModuleCount)
	fmt.Fprintf(out, "Tools: %d\n", status.ToolCount)
	fmt.Fprintf(out, "Plugins: %d\n", status.ActivePlugins)
	fmt.Fprintf(out, "Clients: %d\n", status.Clients)
	if status.HotReload != nil {
		fmt.Fprintf(out, "Hot reload: %s\n", status.HotReload.State)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
