package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/gavinwade12/dpload/protocols/j1939"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var infoDA uint8
var bootDA uint8
var crcDA uint8
var crcStart uint32
var crcSize uint32
var pagewise bool
var identDA uint8
var identOutput string

func init() {
	nodeFlag(infoCmd, &infoDA, "node to retrieve info for")
	rootCmd.AddCommand(infoCmd)

	bootCmd.Flags().Uint8Var(&bootDA, "da", j1939.AddrGlobal, "node to send to the bootloader, 255 for all")
	rootCmd.AddCommand(bootCmd)

	nodeFlag(crcCmd, &crcDA, "node to query")
	crcCmd.Flags().Uint32Var(&crcStart, "start", dpload.AppStart, "start address of the data to checksum")
	crcCmd.Flags().Uint32Var(&crcSize, "size", 0x79000, "size of the data in bytes")
	crcCmd.Flags().BoolVar(&pagewise, "pagewise", false, "show the CRC of each page as well as the overall CRC")
	rootCmd.AddCommand(crcCmd)

	for _, cmd := range []*cobra.Command{ecuInfoCmd, softInfoCmd} {
		cmd.Flags().Uint8Var(&identDA, "da", j1939.AddrGlobal, "node to query, 255 for all")
		cmd.Flags().StringVarP(&identOutput, "output", "o", "text", "output format: text or yaml")
		rootCmd.AddCommand(cmd)
	}
}

var infoCmd = &cobra.Command{
	Use:          "info",
	Short:        "Retrieve information about a node",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(infoDA, false); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			node := dpload.ToNode(infoDA)
			oem, err := s.conn.ReadOEMInfo(ctx, node)
			if err != nil {
				return errors.Wrap(err, "node did not respond")
			}
			app, err := s.conn.ReadAppInfo(ctx, node, dpload.Timeout(500*time.Millisecond))
			if err != nil {
				return errors.Wrap(err, "node did not respond")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "P/N %s\n", oem)
			if app.Loaded() {
				fmt.Fprintf(out, "App %s\n", app.Version)
			} else {
				fmt.Fprintln(out, "No application loaded")
			}
			return nil
		})
	},
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Enter the bootloader",
	Long: `Ask the application on a node to restart into its bootloader.

The application must be running correctly for the request to be honoured.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(bootDA, true); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.conn.EnterBootloader(dpload.ToNode(bootDA)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sent request to enter the CAN bootloader")
			return nil
		})
	},
}

var crcCmd = &cobra.Command{
	Use:          "crc",
	Short:        "Request the CRC of a flash range",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(crcDA, false); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			node := dpload.ToNode(crcDA)
			out := cmd.OutOrStdout()

			var crc uint16
			var err error
			if pagewise {
				crc, err = pagewiseCRC(ctx, s.conn, out, cmd.ErrOrStderr(), node)
			} else {
				crc, err = s.conn.ReadCRC(ctx, crcStart, crcSize, node, dpload.Timeout(dpload.VerifyTimeout))
			}
			if err != nil {
				return errors.Wrap(err, "could not get CRC")
			}
			fmt.Fprintf(out, "CRC-16 (CCITT): %04X\n", crc)
			return nil
		})
	},
}

// pagewiseCRC reads the CRC of every page in the range and folds them into
// the CRC of the whole range.
func pagewiseCRC(ctx context.Context, conn *dpload.Connection, out, progress io.Writer, node dpload.CallOption) (uint16, error) {
	var pages []uint16
	n := (int(crcSize) + frame.PageSize - 1) / frame.PageSize
	bar := progressbar.NewOptions(n,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Calculating CRC"))
	defer fmt.Fprintln(progress)

	for addr := crcStart; addr < crcStart+crcSize; addr += frame.PageSize {
		crc, err := conn.ReadCRC(ctx, addr, frame.PageSize, node, dpload.Timeout(3*time.Second))
		if err != nil {
			return 0, err
		}
		bar.Add(1)
		pages = append(pages, crc)
		fmt.Fprintf(out, "Page 0x%08x: %04X\n", addr, crc)
	}
	return frame.FoldPageCRCs(pages, frame.PageSize), nil
}

var ecuInfoCmd = &cobra.Command{
	Use:          "ecuinfo",
	Short:        "Request the J1939 ECU identification",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(identDA, true); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			text, err := s.conn.ECUIdentification(ctx, identDA)
			if err != nil {
				return err
			}
			id := j1939.ParseECUIdentification(text)
			out := cmd.OutOrStdout()
			if identOutput == "yaml" {
				return yaml.NewEncoder(out).Encode(id)
			}
			fmt.Fprintf(out, "Part number:   %s\n", id.PartNumber)
			fmt.Fprintf(out, "Serial number: %s\n", id.SerialNumber)
			fmt.Fprintf(out, "Location:      %s\n", id.Location)
			fmt.Fprintf(out, "Type:          %s\n", id.Type)
			fmt.Fprintf(out, "Manufacturer:  %s\n", id.Manufacturer)
			fmt.Fprintf(out, "Hardware ID:   %s\n", id.HardwareID)
			return nil
		})
	},
}

var softInfoCmd = &cobra.Command{
	Use:          "softinfo",
	Short:        "Request the J1939 software identification",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(identDA, true); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			text, err := s.conn.SoftwareIdentification(ctx, identDA)
			if err != nil {
				return err
			}
			components := j1939.ParseSoftwareIdentification(text)
			out := cmd.OutOrStdout()
			if identOutput == "yaml" {
				return yaml.NewEncoder(out).Encode(components)
			}
			for _, c := range components {
				fmt.Fprintf(out, "%-20s %s\n", c.Name, c.Version)
			}
			return nil
		})
	},
}
