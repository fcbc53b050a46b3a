package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gradir-ml/gradir/ir"
)

var printCmd = &cobra.Command{
	Use:   "print FILE",
	Short: "Parse a textual module and pretty-print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadModule(args[0])
		if err != nil {
			return err
		}
		fmt.Print(m.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(printCmd)
}

func loadModule(path string) (*ir.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	m, err := ir.Parse(string(src))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return m, nil
}
