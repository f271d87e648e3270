package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nlpkit/internal/inference"
	"nlpkit/internal/models"
	"nlpkit/internal/pipeline"
)

func modelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage local ONNX model bundles",
	}
	registry := func() (models.Registry, string, error) {
		reg, err := models.LoadEmbeddedRegistry()
		return reg, a.cfg.Inference.ONNX.ModelsRoot, err
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installable bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, root, err := registry()
			if err != nil {
				return err
			}
			return modelList(cmd.OutOrStdout(), reg, root)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "info <name>",
		Short: "Show details of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, root, err := registry()
			if err != nil {
				return err
			}
			return modelInfo(cmd.OutOrStdout(), reg, root, args[0])
		},
	})

	var all bool
	download := &cobra.Command{
		Use:   "download [name]",
		Short: "Download and install a bundle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, root, err := registry()
			if err != nil {
				return err
			}
			return modelDownload(cmd.Context(), cmd.OutOrStdout(), reg, root, args, all)
		},
	}
	download.Flags().BoolVar(&all, "all", false, "download all recommended bundles")
	cmd.AddCommand(download)

	var yes bool
	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete an installed bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, root, err := registry()
			if err != nil {
				return err
			}
			return modelRemove(cmd.OutOrStdout(), cmd.InOrStdin(), reg, root, args[0], yes)
		},
	}
	remove.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.AddCommand(remove)

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify installed bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, root, err := registry()
			if err != nil {
				return err
			}
			return modelVerify(cmd.OutOrStdout(), reg, root)
		},
	})
	return cmd
}

func modelList(w io.Writer, registry models.Registry, root string) error {
	fmt.Fprintln(w, "Available Models")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "%-20s %-6s %-8s %-14s %-40s\n", "NAME", "LANG", "SIZE", "STATUS", "PIPELINES")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	installed := 0
	var totalSize int64
	for _, m := range registry.Models {
		status := "not installed"
		if models.IsInstalled(root, m) {
			status = "installed"
			installed++
			totalSize += m.SizeBytes
		}
		fmt.Fprintf(w, "%-20s %-6s %-8s %-14s %-40s\n", m.Name, m.Language, humanBytes(m.SizeBytes), status, strings.Join(m.Pipelines, ", "))
	}
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "Installed: %d/%d models\n", installed, len(registry.Models))
	fmt.Fprintf(w, "Total size: %s\n", humanBytes(totalSize))
	fmt.Fprintln(w, "\nTip: Use 'nlpkit model download <name>' to install a model")
	return nil
}

func modelInfo(w io.Writer, registry models.Registry, root, name string) error {
	m, ok := registry.Find(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	status := "Not installed"
	if models.IsInstalled(root, m) {
		status = "Installed"
	}
	fmt.Fprintf(w, "Model: %s\n", m.Name)
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Status:         %s\n", status)
	fmt.Fprintf(w, "Model ID:       %s\n", m.ID)
	fmt.Fprintf(w, "Display name:   %s\n", m.DisplayName)
	fmt.Fprintf(w, "Pipelines:      %s\n", strings.Join(m.Pipelines, ", "))
	fmt.Fprintf(w, "Language:       %s\n", m.Language)
	fmt.Fprintf(w, "Size:           %s\n", humanBytes(m.SizeBytes))
	fmt.Fprintf(w, "Location:       %s\n", models.ModelInstallPath(root, m.Name))
	fmt.Fprintf(w, "Description:    %s\n", m.Description)
	fmt.Fprintf(w, "License:        %s\n", m.License)
	fmt.Fprintf(w, "Source:         %s\n", m.Source)
	for _, f := range m.Files {
		sum := f.Checksum
		if sum == "" {
			sum = "(recorded at install)"
		}
		fmt.Fprintf(w, "  %-14s %s\n", f.Name, sum)
	}
	return nil
}

func modelDownload(ctx context.Context, w io.Writer, registry models.Registry, root string, args []string, all bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var selected []models.ModelSpec
	switch {
	case all:
		for _, m := range registry.Models {
			if m.Recommended {
				selected = append(selected, m)
			}
		}
	case len(args) == 1:
		m, ok := registry.Find(args[0])
		if !ok {
			return fmt.Errorf("model %q not found", args[0])
		}
		selected = append(selected, m)
	default:
		return fmt.Errorf("usage: nlpkit model download <name> or nlpkit model download --all")
	}

	dl := models.NewDownloader()
	for _, m := range selected {
		fmt.Fprintf(w, "\nDownloading %s (%s)\n", m.Name, m.ID)
		fmt.Fprintf(w, "Source: %s\n\n", m.Source)
		lastUpdate := time.Time{}
		err := dl.DownloadAndInstall(ctx, m, root, func(p models.Progress) {
			if time.Since(lastUpdate) < 120*time.Millisecond && p.Total > 0 && p.Downloaded < p.Total {
				return
			}
			lastUpdate = time.Now()
			pct := float64(0)
			if p.Total > 0 {
				pct = float64(p.Downloaded) * 100 / float64(p.Total)
			}
			fmt.Fprintf(w, "\r%-16s %6.2f%% | %s / %s | %.2f MB/s | ETA %s", p.File, pct, humanBytes(p.Downloaded), humanBytes(p.Total), p.SpeedMBps, p.ETA.Truncate(time.Second))
		})
		fmt.Fprintln(w)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Verifying checksums... ✓")
		if err := validateModelLoads(models.ModelInstallPath(root, m.Name), m); err != nil {
			return fmt.Errorf("validate model: %w", err)
		}
		fmt.Fprintln(w, "Validating model... ✓")
		fmt.Fprintf(w, "\n✓ Model %s installed successfully\n", m.Name)
	}
	return nil
}

// validateModelLoads parses the tokenizer and label map an engine would read.
func validateModelLoads(dir string, m models.ModelSpec) error {
	if _, err := inference.NewWordPieceTokenizer(filepath.Join(dir, "tokenizer.json")); err != nil {
		return err
	}
	if slices.ContainsFunc(m.Pipelines, func(p string) bool { return p != pipeline.KindQA }) {
		if _, err := models.Labels(dir); err != nil {
			return err
		}
	}
	return nil
}

func modelRemove(w io.Writer, in io.Reader, registry models.Registry, root, name string, yes bool) error {
	m, ok := registry.Find(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	loc := models.ModelInstallPath(root, m.Name)
	if _, err := os.Stat(loc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(w, "Model %s is not installed\n", name)
			return nil
		}
		return err
	}
	if !yes {
		fmt.Fprintf(w, "Remove model '%s' (%s)?\n", m.Name, humanBytes(m.SizeBytes))
		fmt.Fprintf(w, "This will delete %s\n\n", loc)
		fmt.Fprint(w, "Continue? (y/N): ")
		resp, _ := bufio.NewReader(in).ReadString('\n')
		resp = strings.TrimSpace(strings.ToLower(resp))
		if resp != "y" && resp != "yes" {
			fmt.Fprintln(w, "Cancelled")
			return nil
		}
	}
	if err := models.Remove(root, m); err != nil {
		return err
	}
	fmt.Fprintln(w, "Removing model... ✓")
	fmt.Fprintf(w, "Model %s removed successfully\n", m.Name)
	return nil
}

func modelVerify(w io.Writer, registry models.Registry, root string) error {
	fmt.Fprintln(w, "Verifying installed models...")
	installed := 0
	failures := 0
	for _, m := range registry.Models {
		if !models.IsInstalled(root, m) {
			continue
		}
		installed++
		fmt.Fprintf(w, "\n%s\n", m.Name)
		dir := models.ModelInstallPath(root, m.Name)
		if err := models.VerifyInstalled(root, m); err != nil {
			fmt.Fprintf(w, "  ├─ Checksums... ✗ (%v)\n", err)
			failures++
			continue
		}
		fmt.Fprintln(w, "  ├─ Checksums... ✓")
		if err := validateModelLoads(dir, m); err != nil {
			fmt.Fprintf(w, "  └─ Loadable...  ✗ (%v)\n", err)
			failures++
			continue
		}
		fmt.Fprintln(w, "  └─ Loadable...  ✓")
	}
	if installed == 0 {
		fmt.Fprintln(w, "\nNo installed models found")
		return nil
	}
	if failures > 0 {
		return fmt.Errorf("%d model(s) failed verification", failures)
	}
	fmt.Fprintln(w, "\nAll models verified")
	return nil
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d KB", n/1024)
}
