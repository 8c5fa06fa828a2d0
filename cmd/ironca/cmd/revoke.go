package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

func newRevokeCommand(global *globalOptions) *cobra.Command {
	var reason string
	revokeCmd := &cobra.Command{
		Use:   "revoke SERIAL",
		Short: "Revoke an issued certificate",
		Long: `Revoke the certificate with the given hex serial number. The next CRL
lists it with the chosen reason.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial, err := storage.ParseSerial(args[0])
			if err != nil {
				return err
			}
			r, err := pki.ParseRevocationReason(reason)
			if err != nil {
				return err
			}

			inst, err := global.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer inst.close()

			cert, err := inst.svc.Revoke(cmd.Context(), serial, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (serial %s, reason %s)\n", cert.CommonName, cert.SerialHex(), cert.RevokedReason)
			return nil
		},
	}
	revokeCmd.Flags().StringVar(&reason, "reason", string(pki.ReasonUnspecified), "Revocation reason, e.g. key_compromise or superseded")
	return revokeCmd
}
