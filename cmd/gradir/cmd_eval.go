package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gradir-ml/gradir/internal/interp"
)

var evalCmd = &cobra.Command{
	Use:   "eval FILE FUNC [ARG...]",
	Short: "Evaluate a function on literal arguments",
	Long: `Evaluate a function on literal arguments.

Scalars are plain numbers (1.5); vectors are bracketed lists
([1,2,3]). One argument per declared parameter.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadModule(args[0])
		if err != nil {
			return err
		}
		fn := m.Function(args[1])
		if fn == nil {
			return errors.Errorf("no function named %q", args[1])
		}
		vals := make([]interp.Value, 0, len(args)-2)
		for _, a := range args[2:] {
			v, err := parseArg(a)
			if err != nil {
				return err
			}
			vals = append(vals, v)
		}
		results, err := interp.New(m).Call(fn, vals...)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Println(r.String())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evalCmd)
}

func parseArg(s string) (interp.Value, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return interp.Value{}, errors.Errorf("unterminated vector literal %q", s)
		}
		var elems []float64
		for _, part := range strings.Split(s[1:len(s)-1], ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return interp.Value{}, errors.Wrapf(err, "vector literal %q", s)
			}
			elems = append(elems, f)
		}
		return interp.NewVector(elems...), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return interp.Value{}, errors.Wrapf(err, "argument %q", s)
	}
	return interp.NewFloat(f), nil
}
