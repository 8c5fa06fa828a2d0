package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

type dumpCRLOptions struct {
	format string
	digest string
}

func newDumpCRLCommand(global *globalOptions) *cobra.Command {
	opts := &dumpCRLOptions{}
	dumpCmd := &cobra.Command{
		Use:   "dump-crl [PATH]",
		Short: "Sign a CRL from the current revocation state",
		Long: `Sign a fresh certificate revocation list and write it to stdout, or to
PATH when given. The directory containing PATH must already exist.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := pki.ParseEncoding(opts.format)
			if err != nil {
				return err
			}
			// Fail before a CRL number is consumed.
			if len(args) == 1 {
				if err := pki.CheckDestination(args[0]); err != nil {
					return err
				}
			}

			var crlOpts pki.CRLOptions
			if opts.digest != "" {
				if crlOpts.Digest, err = pki.ParseDigest(opts.digest); err != nil {
					return err
				}
			}

			inst, err := global.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer inst.close()

			list, err := inst.svc.CRL(cmd.Context(), crlOpts)
			if err != nil {
				return err
			}
			data, err := list.Encode(enc)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := pki.WriteFile(args[0], data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote CRL #%s with %d entries to %s\n", list.Number, len(list.Entries), args[0])
			return nil
		},
	}
	dumpCmd.Flags().StringVar(&opts.format, "format", string(pki.EncodingPEM), "Output format: pem or der")
	dumpCmd.Flags().StringVar(&opts.digest, "digest", "", "Signature digest (default from config)")
	return dumpCmd
}
