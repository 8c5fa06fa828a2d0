package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

type signOptions struct {
	csr    string
	sans   []string
	days   int
	digest string
	out    string
	der    bool
}

func newSignCommand(global *globalOptions) *cobra.Command {
	opts := &signOptions{}
	signCmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a certificate signing request",
		Long: `Sign a PEM or DER encoded CSR and record the issued certificate.
The certificate is written to stdout unless --out is given. Use "--csr -"
to read the request from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, global, opts)
		},
	}
	signCmd.Flags().StringVar(&opts.csr, "csr", "", "CSR file, or - for stdin")
	signCmd.Flags().StringArrayVar(&opts.sans, "san", nil, "DNS subject alternative name (repeatable, order kept)")
	signCmd.Flags().IntVar(&opts.days, "days", 0, "Validity in days (default from config)")
	signCmd.Flags().StringVar(&opts.digest, "digest", "", "Signature digest: sha256, sha384 or sha512")
	signCmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the certificate to this file")
	signCmd.Flags().BoolVar(&opts.der, "der", false, "Write DER instead of PEM")
	_ = signCmd.MarkFlagRequired("csr")
	return signCmd
}

func runSign(cmd *cobra.Command, global *globalOptions, opts *signOptions) error {
	var csr []byte
	var err error
	if opts.csr == "-" {
		csr, err = io.ReadAll(cmd.InOrStdin())
	} else {
		csr, err = os.ReadFile(opts.csr)
	}
	if err != nil {
		return fmt.Errorf("reading CSR: %w", err)
	}

	req := pki.IssueRequest{
		CSR:             csr,
		SubjectAltNames: opts.sans,
		ValidityDays:    opts.days,
	}
	if opts.digest != "" {
		if req.Digest, err = pki.ParseDigest(opts.digest); err != nil {
			return err
		}
	}

	inst, err := global.open(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer inst.close()

	cert, err := inst.svc.Sign(cmd.Context(), req)
	if err != nil {
		return err
	}

	data := cert.PEM()
	if opts.der {
		data = cert.DER
	}
	if opts.out == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Issued %s (serial %s) to %s\n", cert.CommonName, cert.SerialHex(), opts.out)
	return nil
}
