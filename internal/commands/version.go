/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acronis/go-quotaguard/internal/libinfo"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "quotaguard %s\n", libinfo.GetVersion())
			return err
		},
	}
}
