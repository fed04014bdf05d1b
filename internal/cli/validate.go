package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/iniwex5/sad-go/pkg/config"
	"github.com/iniwex5/sad-go/pkg/sad"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file and its static SAs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		out := cmd.OutOrStdout()
		if err != nil {
			for _, e := range multierr.Errors(err) {
				fmt.Fprintf(out, "FAIL  %v\n", e)
			}
			return fmt.Errorf("配置无效 (%d 个错误)", len(multierr.Errors(err)))
		}
		cands, err := cfg.Candidates()
		if err != nil {
			return err
		}
		for _, c := range cands {
			// Load 已校验过，这里只为打印规范化后的条目
			e, err := sad.Validate(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "OK    %s\n", e)
		}
		fmt.Fprintf(out, "%d SA(s) valid\n", len(cands))
		return nil
	},
}
