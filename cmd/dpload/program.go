package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gavinwade12/dpload/image"
	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var programDA uint8
var stay bool
var unsafe bool
var noVerify bool
var assumeYes bool
var recordsPerChunk int
var appStart uint32
var appEnd uint32
var verifyDA uint8
var jumpDA uint8

func init() {
	nodeFlag(programCmd, &programDA, "address of the node to program")
	programCmd.Flags().BoolVar(&stay, "stay", false, "do not jump to the application; stay in the bootloader")
	programCmd.Flags().BoolVar(&unsafe, "unsafe", false, "ignore the part number of the image [DANGEROUS]")
	programCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the CRC check of the programmed segments")
	programCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	programCmd.Flags().IntVar(&recordsPerChunk, "records-per-chunk", 8, "hex records sent per program command")
	appRegionFlags(programCmd)
	rootCmd.AddCommand(programCmd)

	nodeFlag(verifyCmd, &verifyDA, "address of the node to verify")
	appRegionFlags(verifyCmd)
	rootCmd.AddCommand(verifyCmd)

	nodeFlag(jumpCmd, &jumpDA, "node to start")
	rootCmd.AddCommand(jumpCmd)
}

func appRegionFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&appStart, "app-start", dpload.AppStart, "first address of the application region")
	cmd.Flags().Uint32Var(&appEnd, "app-end", dpload.AppEnd, "address following the application region")
}

var programCmd = &cobra.Command{
	Use:          "program <image>",
	Short:        "Load an image onto a node",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(programDA, false); err != nil {
			return err
		}
		fw, err := loadFirmware(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Image '%s': %d records, %d segments, part number '%s'\n",
			args[0], len(fw.Records), len(fw.Segments), fw.PartNumber)
		if !assumeYes {
			ok, err := confirm(cmd.InOrStdin(), out, "Are you sure you want to erase and re-program node "+nodeString(programDA)+"?")
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("aborted")
			}
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			bars := &phaseBars{w: cmd.ErrOrStderr()}
			defer bars.finish()

			p := dpload.NewProgrammer(s.conn, programDA,
				dpload.WithRecordsPerChunk(recordsPerChunk),
				dpload.WithVerify(!noVerify),
				dpload.WithStay(stay),
				dpload.WithUnsafe(unsafe),
				dpload.WithAppRegion(appStart, appEnd),
				dpload.WithProgress(bars.update))
			if err := p.Program(ctx, fw); err != nil {
				return err
			}
			bars.finish()

			if stay {
				fmt.Fprintln(out, "Staying in bootloader")
			} else {
				fmt.Fprintln(out, "Started application")
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:          "verify <image>",
	Short:        "Compare the CRC of every image segment with the node's flash",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(verifyDA, false); err != nil {
			return err
		}
		fw, err := loadFirmware(args[0])
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			out := cmd.OutOrStdout()
			results := s.conn.VerifySegments(ctx, fw.Segments, appStart, appEnd,
				dpload.ToNode(verifyDA), dpload.Timeout(dpload.VerifyTimeout))

			failed := 0
			for _, r := range results {
				seg := r.Segment
				fmt.Fprintf(out, "Verify 0x%08x...0x%08x %8d bytes ", seg.Address, seg.End()-1, len(seg.Data))
				switch {
				case r.Skipped:
					fmt.Fprintln(out, "SKIP")
				case r.ReadErr != nil:
					failed++
					fmt.Fprintf(out, "ERROR: could not get CRC: %v\n", r.ReadErr)
				case !r.OK():
					failed++
					fmt.Fprintf(out, "ERROR: bad CRC, expected %04X but got %04X\n", r.Expected, r.Actual)
				default:
					fmt.Fprintf(out, "OK %04X\n", r.Expected)
				}
			}
			if failed > 0 {
				return errors.Errorf("%d of %d segments failed verification", failed, len(results))
			}
			return nil
		})
	},
}

var jumpCmd = &cobra.Command{
	Use:          "jump",
	Short:        "Exit the bootloader and start the application",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkNode(jumpDA, false); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.conn.Jump(ctx, dpload.ToNode(jumpDA)); err != nil {
				return errors.Wrap(err, "application did not start")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s started application\n", nodeString(jumpDA))
			return nil
		})
	},
}

// loadFirmware reads and validates the image at path and prepares it for
// programming.
func loadFirmware(path string) (*dpload.Firmware, error) {
	img, err := image.Load(path)
	if err != nil {
		return nil, err
	}
	records, err := img.Store().Records()
	if err != nil {
		return nil, err
	}

	fw := &dpload.Firmware{
		Records:    records,
		PartNumber: img.HardwarePartNumber(""),
	}
	for _, seg := range img.Store().Segments() {
		fw.Segments = append(fw.Segments, dpload.Segment{Address: seg.Address, Data: seg.Data})
	}
	return fw, nil
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	input, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// phaseBars shows one progress bar per programming phase.
type phaseBars struct {
	w     io.Writer
	phase string
	bar   *progressbar.ProgressBar
}

func (b *phaseBars) update(p dpload.Progress) {
	if p.Phase == dpload.PhaseComplete {
		b.finish()
		return
	}
	if p.Phase != b.phase || b.bar == nil {
		b.finish()
		b.phase = p.Phase
		b.bar = progressbar.NewOptions(p.Total,
			progressbar.OptionSetWriter(b.w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(fmt.Sprintf("%-12s", p.Phase)),
			progressbar.OptionShowCount())
	}
	b.bar.Set(p.Done)
}

func (b *phaseBars) finish() {
	if b.bar != nil {
		b.bar.Finish()
		fmt.Fprintln(b.w)
		b.bar = nil
	}
}
