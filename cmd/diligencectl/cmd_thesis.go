package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
)

var thesisCmd = &cobra.Command{
	Use:   "thesis",
	Short: "Inspect investment theses",
}

var thesisValidateCmd = &cobra.Command{
	Use:   "validate <file-or-dir>...",
	Short: "Validate thesis yaml files",
	Long:  "Parses every thesis file given (directories are walked for .yaml/.yml)\nand reports weight, category and penalty problems.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runThesisValidate,
}

var thesisListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in theses",
	RunE:  runThesisList,
}

func init() {
	thesisCmd.AddCommand(thesisValidateCmd)
	thesisCmd.AddCommand(thesisListCmd)
}

func runThesisValidate(cmd *cobra.Command, args []string) error {
	files, err := thesisFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no thesis files found in %v", args)
	}
	out := cmd.OutOrStdout()
	failed := 0
	for _, f := range files {
		t, err := thesis.ParseFile(f)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", f, err)
			continue
		}
		fmt.Fprintf(out, "ok    %s (%s, %d categories, threshold %.0f)\n", f, t.ID, len(t.Categories), t.Threshold)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d thesis files invalid", failed, len(files))
	}
	return nil
}

func thesisFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isThesisFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func isThesisFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func runThesisList(cmd *cobra.Command, _ []string) error {
	reg, err := thesis.NewRegistry(nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range reg.List() {
		fmt.Fprintf(out, "%-28s %s\n", s.ID, s.Name)
	}
	return nil
}
