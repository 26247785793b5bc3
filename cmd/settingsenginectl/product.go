package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newProductCmd groups the product-registration operations of spec.md §6
// (RegisterProduct, UnregisterProduct, ForgetProduct) behind a single
// "product" parent command.
func newProductCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage product registrations",
	}

	cmd.AddCommand(newProductRegisterCmd())
	cmd.AddCommand(newProductUnregisterCmd())
	cmd.AddCommand(newProductForgetCmd())

	return cmd
}

func productArgs(cmd *cobra.Command) (name, version, pubkey string) {
	name, _ = cmd.Flags().GetString("name")
	version, _ = cmd.Flags().GetString("version")
	pubkey, _ = cmd.Flags().GetString("pubkey")

	return name, version, pubkey
}

func addProductFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "product name")
	cmd.Flags().String("version", "", "product version")
	cmd.Flags().String("pubkey", "", "product public key")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("version")
	cmd.MarkFlagRequired("pubkey")
}

func newProductRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a product identity, creating it if not already known",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			name, version, pubkey := productArgs(cmd)

			id, err := cc.Engine.RegisterProduct(cmd.Context(), name, version, pubkey)
			if err != nil {
				return fmt.Errorf("registering product: %w", err)
			}

			cc.Statusf("registered product %s %s (id=%d)\n", name, version, id)

			return nil
		},
	}
	addProductFlags(cmd)

	return cmd
}

func newProductUnregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Unregister a product identity without forgetting its stored values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			name, version, pubkey := productArgs(cmd)

			if err := cc.Engine.UnregisterProduct(cmd.Context(), name, version, pubkey); err != nil {
				return fmt.Errorf("unregistering product: %w", err)
			}

			cc.Statusf("unregistered product %s %s\n", name, version)

			return nil
		},
	}
	addProductFlags(cmd)

	return cmd
}

func newProductForgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Forget a product, discarding its stored values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			name, version, pubkey := productArgs(cmd)

			if err := cc.Engine.ForgetProduct(cmd.Context(), name, version, pubkey); err != nil {
				return fmt.Errorf("forgetting product: %w", err)
			}

			cc.Statusf("forgot product %s %s\n", name, version)

			return nil
		},
	}
	addProductFlags(cmd)

	return cmd
}
