package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coneilen/terminal-manager-go/lib/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect the local peer identity",
	}
	cmd.AddCommand(identityShowCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved identity, or report that peer fabric is disabled",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dir, err := resolveDataDir()
			if err != nil {
				return err
			}

			log := logrus.NewEntry(logrus.StandardLogger())
			status, err := identity.Resolve(dir, log)
			if err != nil {
				return err
			}

			if !status.Enabled {
				fmt.Println("peer fabric disabled: no git global user.email configured")
				return nil
			}

			id := status.Identity
			fmt.Printf("instance id    %s\n", id.InstanceID)
			fmt.Printf("identity hash  %s\n", id.IdentityHash)
			fmt.Printf("email          %s\n", id.Email)
			fmt.Printf("hostname       %s\n", id.Hostname)
			return nil
		},
	}
}

func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	return defaultUserDataDir()
}
