package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"zigbee-go-deconz/internal/zcl"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <cluster> <hex>",
		Short: "Decode a ZCL frame offline",
		Long: `Decode a raw ZCL frame received on a cluster and print it as JSON.
The cluster accepts decimal or 0x-prefixed hex; the frame may contain spaces or colons.`,
		Example: "  zigbee-deconz decode 0x0402 18:01:0a:00:00:29:3e:08",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := decodeFrame(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func decodeFrame(cluster, frameHex string) ([]byte, error) {
	clusterID, err := strconv.ParseUint(cluster, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster %q", cluster)
	}
	data, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(frameHex))
	if err != nil {
		return nil, fmt.Errorf("invalid frame hex: %w", err)
	}

	reg, err := zcl.NewDefaultRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, err
	}
	f, err := zcl.Decode(reg, uint16(clusterID), data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return json.MarshalIndent(f, "", "  ")
}
