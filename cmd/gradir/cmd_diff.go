package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gradir-ml/gradir/autodiff"
	"github.com/gradir-ml/gradir/ir"
)

var (
	diffFunction string
	diffParams   []int
	diffResult   int
	diffManifest string
	diffOut      string
)

// request is one manifest entry: differentiate Function with respect
// to Params, seeding Result.
type request struct {
	Function string `yaml:"function"`
	Params   []int  `yaml:"params"`
	Result   int    `yaml:"result"`
}

var diffCmd = &cobra.Command{
	Use:   "diff FILE",
	Short: "Differentiate a module",
	Long: `Differentiate a module.

Requests come from --function/--params/--result, from a YAML manifest
(--manifest), or from witness declarations and differentiable_function
markers already present in the module. The transformed module is
printed to stdout, or written to --out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadModule(args[0])
		if err != nil {
			return err
		}
		reqs, err := collectRequests(cmd)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			fn := m.Function(r.Function)
			if fn == nil {
				return errors.Errorf("no function named %q", r.Function)
			}
			m.DeclareWitness(fn, ir.NewIndices(r.Params, r.Result))
		}
		if err := autodiff.ProcessModule(m, autodiff.WithLogger(logger())); err != nil {
			return err
		}
		return emitModule(m)
	},
}

func init() {
	diffCmd.Flags().StringVar(&diffFunction, "function", "", "function to differentiate")
	diffCmd.Flags().IntSliceVar(&diffParams, "params", nil, "parameter indices to differentiate with respect to")
	diffCmd.Flags().IntVar(&diffResult, "result", 0, "result index the seed applies to")
	diffCmd.Flags().StringVar(&diffManifest, "manifest", "", "YAML file listing differentiation requests")
	diffCmd.Flags().StringVarP(&diffOut, "out", "o", "", "write the transformed module to a file instead of stdout")
	rootCmd.AddCommand(diffCmd)
}

func collectRequests(cmd *cobra.Command) ([]request, error) {
	var reqs []request
	if diffManifest != "" {
		src, err := os.ReadFile(diffManifest)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", diffManifest)
		}
		if err := yaml.Unmarshal(src, &reqs); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", diffManifest)
		}
	}
	if diffFunction != "" {
		if len(diffParams) == 0 {
			return nil, errors.New("--function requires --params")
		}
		reqs = append(reqs, request{
			Function: diffFunction,
			Params:   diffParams,
			Result:   diffResult,
		})
	}
	for _, r := range reqs {
		if r.Function == "" {
			return nil, errors.New("manifest entry missing function name")
		}
		if len(r.Params) == 0 {
			return nil, errors.Errorf("request for %q has no parameter indices", r.Function)
		}
	}
	return reqs, nil
}

func emitModule(m *ir.Module) error {
	if diffOut == "" {
		fmt.Print(m.String())
		return nil
	}
	if err := os.WriteFile(diffOut, []byte(m.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", diffOut)
	}
	return nil
}
