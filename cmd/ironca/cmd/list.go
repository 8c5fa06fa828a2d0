package cmd

import (
	"encoding/json"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

type listOptions struct {
	revoked    bool
	commonName string
	json       bool
}

type listEntry struct {
	Serial     string     `json:"serial"`
	CommonName string     `json:"common_name"`
	NotBefore  time.Time  `json:"not_before"`
	NotAfter   time.Time  `json:"not_after"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	Reason     string     `json:"revocation_reason,omitempty"`
}

func newListCommand(global *globalOptions) *cobra.Command {
	opts := &listOptions{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List issued certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := global.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer inst.close()

			certs, err := inst.svc.Certificates(cmd.Context(), storage.Filter{
				RevokedOnly: opts.revoked,
				CommonName:  opts.commonName,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return writeListJSON(cmd.OutOrStdout(), certs)
			}
			writeListTable(cmd.OutOrStdout(), certs, time.Now())
			return nil
		},
	}
	listCmd.Flags().BoolVar(&opts.revoked, "revoked", false, "Only list revoked certificates")
	listCmd.Flags().StringVar(&opts.commonName, "cn", "", "Only list certificates with this common name")
	listCmd.Flags().BoolVar(&opts.json, "json", false, "Output JSON")
	return listCmd
}

func writeListJSON(w io.Writer, certs []*pki.Certificate) error {
	entries := make([]listEntry, 0, len(certs))
	for _, c := range certs {
		e := listEntry{
			Serial:     c.SerialHex(),
			CommonName: c.CommonName,
			NotBefore:  c.NotBefore,
			NotAfter:   c.NotAfter,
			Revoked:    c.Revoked,
		}
		if c.Revoked {
			at := c.RevokedAt
			e.RevokedAt = &at
			e.Reason = string(c.RevokedReason)
		}
		entries = append(entries, e)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeListTable(w io.Writer, certs []*pki.Certificate, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	table.SetHeader([]string{"Serial", "Common Name", "Not After", "Status"})
	for _, c := range certs {
		table.Append([]string{
			c.SerialHex(),
			c.CommonName,
			c.NotAfter.Format(time.RFC3339),
			certStatus(c, now),
		})
	}
	table.Render()
}

func certStatus(c *pki.Certificate, now time.Time) string {
	switch {
	case c.Revoked:
		return "revoked (" + string(c.RevokedReason) + ")"
	case c.Expired(now):
		return "expired"
	default:
		return "valid"
	}
}
