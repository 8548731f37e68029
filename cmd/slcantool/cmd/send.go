package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/slcan"
	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().BoolP("extended", "e", false, "29-bit identifier")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <id> [hexdata]",
	Short: "transmit one frame",
	Example: `  slcantool send 7DF 0201000000000000
  slcantool send -e 18DAF110 0210`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		extended, _ := cmd.Flags().GetBool("extended")
		f, err := parseFrame(args, extended)
		if err != nil {
			return err
		}

		m, err := initManager(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		res, err := m.SendFrame(f)
		if err != nil {
			return err
		}
		fmt.Println(f.String())
		fmt.Println(res.String())
		return nil
	},
}

func parseFrame(args []string, extended bool) (*slcan.CANFrame, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args[0]), "0x"), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: identifier %q: %v", slcan.ErrConfiguration, args[0], err)
	}
	var data []byte
	if len(args) > 1 {
		data, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: data %q: %v", slcan.ErrConfiguration, args[1], err)
		}
	}
	f := slcan.NewFrame(uint32(id), data)
	f.Extended = extended
	return f, f.Validate()
}
