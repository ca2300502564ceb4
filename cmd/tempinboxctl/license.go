package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tempinbox/backend/internal/domain"
)

// licenseFile 批量导入的 YAML 格式：
//
//	licenses:
//	  - key: ABCDE-FGHIJ-KLMNO-PQRST
//	    note: spring promo
type licenseFile struct {
	Licenses []struct {
		Key  string `yaml:"key"`
		Note string `yaml:"note"`
	} `yaml:"licenses"`
}

func parseLicenseFile(r io.Reader) ([]domain.LicenseKey, error) {
	var f licenseFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode license file: %w", err)
	}

	keys := make([]domain.LicenseKey, 0, len(f.Licenses))
	for i, l := range f.Licenses {
		if l.Key == "" {
			return nil, fmt.Errorf("licenses[%d]: key is required", i)
		}
		keys = append(keys, domain.LicenseKey{Key: l.Key, Note: l.Note})
	}
	return keys, nil
}

func newLicenseCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Issue and import premium license keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newLicenseIssueCommand(opts))
	cmd.AddCommand(newLicenseImportCommand(opts))
	return cmd
}

func newLicenseIssueCommand(opts *globalOptions) *cobra.Command {
	var (
		count int
		note  string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Generate new license keys and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			log := opts.logger()
			store, err := opts.openStore(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := newEntitlementService(store, log).IssueLicenseKeys(ctx, count, note)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k.Key)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys to generate")
	cmd.Flags().StringVar(&note, "note", "", "note stored with each key")
	return cmd
}

func newLicenseImportCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import license keys from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			keys, err := parseLicenseFile(f)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			log := opts.logger()
			store, err := opts.openStore(ctx, log)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := newEntitlementService(store, log).ImportLicenseKeys(ctx, keys)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d license keys\n", n)
			return nil
		},
	}
}
