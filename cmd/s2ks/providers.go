package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/soulwing/s2ks/internal/provider"
)

func newProvidersCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the available storage providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, _, err := global.resolveProvider(cmd.Flags())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range provider.Names() {
				if strings.EqualFold(name, selected) {
					fmt.Fprintf(out, "%s %s\n", color.GreenString("*"), color.CyanString(name))
				} else {
					fmt.Fprintf(out, "  %s\n", name)
				}
			}
			return nil
		},
	}
}
