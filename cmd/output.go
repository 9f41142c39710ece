package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

var (
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#04B575")
	errorColor   = lipgloss.Color("#FF0000")
	dimColor     = lipgloss.Color("#666666")
	markColor    = lipgloss.Color("#FFD866")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	dimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	healthyStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	unhealthyStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	markStyle = lipgloss.NewStyle().
			Foreground(markColor).
			Bold(true).
			Underline(true)
)

// printStructured writes v as json or yaml; it reports false for table output
func printStructured(v any) (bool, error) {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unsupported output format: %s", output)
	}
}
