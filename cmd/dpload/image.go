package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gavinwade12/dpload/image"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var imageOutput string

func init() {
	imageCmd.Flags().StringVarP(&imageOutput, "output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(imageCmd)
}

type imageSummary struct {
	File       string         `yaml:"file"`
	LoadAddr   string         `yaml:"load_addr"`
	Version    string         `yaml:"version"`
	Size       int            `yaml:"size"`
	SoftwarePN string         `yaml:"software_part_number,omitempty"`
	HardwarePN string         `yaml:"hardware_part_number,omitempty"`
	SHA256     string         `yaml:"sha256,omitempty"`
	Protected  []tlvRow       `yaml:"protected_tlvs,omitempty"`
	TLVs       []tlvRow       `yaml:"tlvs"`
	Trailer    *image.Trailer `yaml:"trailer,omitempty"`
}

// tlvRow keeps every entry in file order, repeated types included.
type tlvRow struct {
	Type   string `yaml:"type"`
	Length int    `yaml:"length"`
	Value  string `yaml:"value"`
}

var imageCmd = &cobra.Command{
	Use:          "image <file>",
	Short:        "Validate an image file and show its contents",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := image.Load(args[0])
		if err != nil {
			return err
		}

		sum := summarize(args[0], img)
		out := cmd.OutOrStdout()
		if imageOutput == "yaml" {
			return yaml.NewEncoder(out).Encode(sum)
		}
		return printImage(out, img, sum)
	},
}

func summarize(path string, img *image.Image) imageSummary {
	sum := imageSummary{
		File:       path,
		LoadAddr:   fmt.Sprintf("0x%08x", img.Header.LoadAddr),
		Version:    img.Version.String(),
		Size:       img.Size(),
		SoftwarePN: img.SoftwarePartNumber(""),
		HardwarePN: img.HardwarePartNumber(""),
		TLVs:       tlvRows(img.TLVs),
		Trailer:    img.Trailer,
	}
	sum.SHA256, _ = img.SHA256()
	if len(img.ProtectedTLVs) > 0 {
		sum.Protected = tlvRows(img.ProtectedTLVs)
	}
	return sum
}

func tlvRows(tlvs []image.TLV) []tlvRow {
	rows := make([]tlvRow, len(tlvs))
	for i, t := range tlvs {
		rows[i] = tlvRow{Type: t.Type.String(), Length: len(t.Value), Value: hex.EncodeToString(t.Value)}
	}
	return rows
}

func printImage(out io.Writer, img *image.Image, sum imageSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "File\t%s\n", sum.File)
	fmt.Fprintf(w, "Load address\t%s\n", sum.LoadAddr)
	fmt.Fprintf(w, "Version\t%s\n", sum.Version)
	fmt.Fprintf(w, "Size\t%d bytes\n", sum.Size)
	fmt.Fprintf(w, "Software P/N\t%s\n", img.SoftwarePartNumber("-"))
	fmt.Fprintf(w, "Hardware P/N\t%s\n", img.HardwarePartNumber("-"))
	if sum.SHA256 != "" {
		fmt.Fprintf(w, "SHA256\t%s (verified)\n", sum.SHA256)
	}
	for _, seg := range img.Store().Segments() {
		fmt.Fprintf(w, "Segment\t0x%08x...0x%08x\t%d bytes\n", seg.Address, seg.Address+uint32(len(seg.Data))-1, len(seg.Data))
	}
	for _, t := range img.ProtectedTLVs {
		fmt.Fprintf(w, "Protected TLV\t%s\t%d bytes\n", t.Type, len(t.Value))
	}
	for _, t := range img.TLVs {
		fmt.Fprintf(w, "TLV\t%s\t%d bytes\n", t.Type, len(t.Value))
	}
	if tr := img.Trailer; tr != nil {
		fmt.Fprintf(w, "Trailer\timage-ok=%02x copy-done=%02x swap-info=%02x swap-size=%d\n",
			tr.ImageOK, tr.CopyDone, tr.SwapInfo, tr.SwapSize)
	}
	return w.Flush()
}
