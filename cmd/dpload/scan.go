package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scanFirst uint8
var scanLast uint8
var scanClaims bool
var scanOutput string

func init() {
	scanCmd.Flags().Uint8Var(&scanFirst, "start", 0, "first node to scan")
	scanCmd.Flags().Uint8Var(&scanLast, "end", 253, "last node to scan")
	scanCmd.Flags().BoolVar(&scanClaims, "claims", false, "list the address claims on the bus instead of probing bootloaders")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(scanCmd)
}

// scannedNode is one row of the scan result.
type scannedNode struct {
	Address     uint8  `yaml:"address"`
	PartNumber  string `yaml:"part_number"`
	Bootloader  string `yaml:"bootloader"`
	Application string `yaml:"application"`
}

var scanCmd = &cobra.Command{
	Use:          "scan",
	Short:        "Scan the CAN bus for nodes",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(scanFirst, false); err != nil {
			return err
		}
		if err := checkNode(scanLast, false); err != nil {
			return err
		}
		if scanLast < scanFirst {
			return errors.New("end must not be below start")
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			if scanClaims {
				return listClaims(ctx, cmd.OutOrStdout(), s.conn)
			}

			nodes, err := probeNodes(ctx, cmd.ErrOrStderr(), s.conn)
			if err != nil {
				return err
			}
			if scanOutput == "yaml" {
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(nodes)
			}
			printNodes(cmd.OutOrStdout(), nodes)
			return nil
		})
	},
}

// probeNodes asks every address in range for its boot info, then reads the
// identity of the nodes that answered.
func probeNodes(ctx context.Context, progress io.Writer, conn *dpload.Connection) ([]scannedNode, error) {
	bar := progressbar.NewOptions(int(scanLast)-int(scanFirst)+1,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Scanning CAN bus"))

	var nodes []scannedNode
	for da := int(scanFirst); da <= int(scanLast); da++ {
		bar.Add(1)
		if uint8(da) == conn.SourceAddress() {
			continue
		}
		boot, ok, err := conn.Probe(ctx, dpload.ToNode(uint8(da)))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, dpload.ErrInvalidPayload) || errors.Is(err, dpload.ErrProtocolMismatch) {
				continue
			}
			fmt.Fprintln(progress)
			return nil, errors.Wrap(err, "cannot complete scan")
		}
		if ok {
			nodes = append(nodes, scannedNode{Address: uint8(da), Bootloader: boot.Version.String()})
		}
	}
	fmt.Fprintln(progress)

	for i := range nodes {
		n := &nodes[i]
		node := dpload.ToNode(n.Address)
		n.PartNumber, n.Application = "?", "?"
		if oem, err := conn.ReadOEMInfo(ctx, node, dpload.Timeout(500*time.Millisecond)); err == nil {
			n.PartNumber = oem.String()
		}
		if app, err := conn.ReadAppInfo(ctx, node, dpload.Timeout(500*time.Millisecond)); err == nil {
			n.Application = "none"
			if app.Loaded() {
				n.Application = app.Version.String()
			}
		}
	}
	return nodes, nil
}

func printNodes(out io.Writer, nodes []scannedNode) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No active nodes found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tP/N\tBOOTLOADER\tAPPLICATION")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", nodeString(n.Address), n.PartNumber, n.Bootloader, n.Application)
	}
	w.Flush()
}

func listClaims(ctx context.Context, out io.Writer, conn *dpload.Connection) error {
	claims, err := conn.ScanAddressClaims(ctx, dpload.ScanTimeout)
	if err != nil {
		return err
	}

	if scanOutput == "yaml" {
		type claimRow struct {
			Address      uint8  `yaml:"address"`
			Name         string `yaml:"name"`
			Manufacturer uint16 `yaml:"manufacturer"`
			Function     uint8  `yaml:"function"`
			Identity     uint32 `yaml:"identity"`
		}
		rows := make([]claimRow, len(claims))
		for i, c := range claims {
			rows[i] = claimRow{
				Address:      c.Address,
				Name:         fmt.Sprintf("%016x", uint64(c.Name)),
				Manufacturer: c.Name.ManufacturerCode(),
				Function:     c.Name.Function(),
				Identity:     c.Name.IdentityNumber(),
			}
		}
		return yaml.NewEncoder(out).Encode(rows)
	}

	if len(claims) == 0 {
		fmt.Fprintln(out, "No address claims received")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tNAME\tMANUFACTURER\tFUNCTION\tIDENTITY")
	for _, c := range claims {
		fmt.Fprintf(w, "%s\t%016x\t%d\t%d\t%d\n", nodeString(c.Address), uint64(c.Name),
			c.Name.ManufacturerCode(), c.Name.Function(), c.Name.IdentityNumber())
	}
	return w.Flush()
}
