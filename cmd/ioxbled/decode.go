package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"ioxble/internal/protocol"
)

func decode(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("decode: missing <hex> argument", 2)
	}
	d, err := decodeHex(strings.Join(c.Args().Slice(), ""))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		protocol.GoDeviceData
		Time string `json:"time"`
		Raw  string `json:"raw"`
	}{d, d.Time().Format(time.RFC3339), hex.EncodeToString(d.Raw())})
}

// decodeHex accepts a full telemetry frame or a bare payload. Spaces, colons
// and an 0x prefix are ignored.
func decodeHex(s string) (protocol.GoDeviceData, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return protocol.GoDeviceData{}, fmt.Errorf("decode: invalid hex: %w", err)
	}
	if len(b) == protocol.TelemetryPayloadLen {
		return protocol.DecodeTelemetry(b)
	}
	return protocol.DecodeTelemetryFrame(b)
}
