package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/harrison/testforge/internal/filelock"
)

// NewReportCommand creates the report command
func NewReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [report-file]",
		Short: "Show the report from the most recent run",
		Long: `Show the execution report written by the run command.

Without arguments the report is read from .testforge/logs/report.md.
With --html the markdown is converted and written next to the source
report (or to --output).

Examples:
  testforge report
  testforge report --html
  testforge report --html --output report.html
  testforge report ./logs/report.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: reportCommand,
	}

	cmd.Flags().Bool("html", false, "Convert the report to HTML")
	cmd.Flags().String("output", "", "Output path for the HTML report")

	return cmd
}

func reportCommand(cmd *cobra.Command, args []string) error {
	reportPath := filepath.Join(".testforge", "logs", "report.md")
	if len(args) == 1 {
		reportPath = args[0]
	}

	markdown, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("failed to read report %s (run `testforge run` first): %w", reportPath, err)
	}

	htmlFlag, _ := cmd.Flags().GetBool("html")
	if !htmlFlag {
		fmt.Fprint(cmd.OutOrStdout(), string(markdown))
		return nil
	}

	rendered, err := renderHTML(markdown)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath == "" {
		outputPath = reportPath[:len(reportPath)-len(filepath.Ext(reportPath))] + ".html"
	}

	if err := filelock.AtomicWrite(outputPath, rendered); err != nil {
		return fmt.Errorf("failed to write HTML report: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "HTML report written to: %s\n", outputPath)
	return nil
}

// renderHTML converts the markdown report to a standalone HTML page.
// GFM tables are needed for the metric and performance tables.
func renderHTML(markdown []byte) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var body bytes.Buffer
	if err := md.Convert(markdown, &body); err != nil {
		return nil, err
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	page.WriteString("<title>Test Generation Report</title>\n")
	page.WriteString("<style>\nbody { font-family: sans-serif; max-width: 60em; margin: 2em auto; }\n")
	page.WriteString("table { border-collapse: collapse; }\ntd, th { border: 1px solid #ccc; padding: 0.3em 0.8em; }\n</style>\n")
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")

	return page.Bytes(), nil
}
