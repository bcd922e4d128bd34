package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mkflash/fault"
	"mkflash/image"
)

func (a *app) imageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect source images",
	}
	cmd.AddCommand(a.imageInfoCmd())
	return cmd
}

func (a *app) imageInfoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Show size, published checksum and partition layout of an image",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fault.New(fault.KindInvalidInput, "", "expected exactly one image path, got %d", len(args))
			}
			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			meta, err := image.Inspect(args[0], image.WithRecommendedMinSize(int64(a.opts.MinimumSize)))
			if err != nil {
				return err
			}
			return a.printImage(meta, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&a.flags.minSize, "min-size", "", "smallest acceptable drive, e.g. 4GB")
	return cmd
}

func (a *app) printImage(meta image.Metadata, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(a.stdout).Encode(meta)
	}
	fmt.Fprintf(a.stdout, "Image:     %s\n", meta.Path)
	fmt.Fprintf(a.stdout, "Size:      %s (%d bytes)\n", humanize.Bytes(uint64(meta.Size)), meta.Size)
	if meta.RecommendedMinSize > meta.Size {
		fmt.Fprintf(a.stdout, "Min drive: %s\n", humanize.Bytes(uint64(meta.MinimumRequiredSize())))
	}
	if meta.Checksum != nil {
		fmt.Fprintf(a.stdout, "Checksum:  %s %s\n", meta.Checksum.Algorithm, meta.Checksum.Value)
	}
	if meta.PartitionTable != "" {
		fmt.Fprintf(a.stdout, "Layout:    %s, %d partitions\n", meta.PartitionTable, meta.Partitions)
	}
	return nil
}
