package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running dalybmsd instance's health and realtime reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("url")
		return runStatus(base)
	},
}

func init() {
	statusCmd.Flags().String("url", "http://127.0.0.1:8080", "base URL of the running dalybmsd instance")
}

func runStatus(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var health struct {
		Status      string          `json:"status"`
		Connections map[string]bool `json:"connections"`
	}
	if err := getJSON(client, base+"/api/health", &health); err != nil {
		return fmt.Errorf("fetch health: %w", err)
	}

	statusColor := color.New(color.FgGreen)
	if health.Status != "ok" {
		statusColor = color.New(color.FgRed)
	}
	statusColor.Printf("status: %s\n", health.Status)

	for name, up := range health.Connections {
		c := color.New(color.FgGreen)
		label := "up"
		if !up {
			c = color.New(color.FgRed)
			label = "down"
		}
		c.Printf("  %s: %s\n", name, label)
	}

	var realtime struct {
		Voltage   *float64  `json:"total_voltage"`
		SOC       *float64  `json:"soc"`
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := getJSON(client, base+"/api/realtime", &realtime); err != nil {
		color.New(color.FgYellow).Printf("realtime: unavailable (%v)\n", err)
		return nil
	}

	cyan := color.New(color.FgCyan)
	if realtime.Voltage != nil {
		cyan.Printf("voltage: %.2f V\n", *realtime.Voltage)
	}
	if realtime.SOC != nil {
		cyan.Printf("soc: %.1f%%\n", *realtime.SOC)
	}
	cyan.Printf("reading status: %s (as of %s)\n", realtime.Status, realtime.Timestamp.Format(time.RFC3339))

	return nil
}

func getJSON(client *http.Client, url string, dst any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
