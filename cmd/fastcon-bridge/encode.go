package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
)

type encodeOptions struct {
	kind    string
	body    string
	key     string
	address string
	seq     int
	group   int // -1 keeps the kind's group
	sub     int
	forward bool
	// forwardSet reports whether --forward was given explicitly.
	forwardSet bool
}

var encodeOpts = encodeOptions{group: -1}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a command and print payload, frame and advertisement",
	Long: `Encode one command offline, without a radio, and print every stage of
the pipeline as hex.

Kinds:
  wake     group 0, six zero bytes, all-zero key (--body is ignored)
  assign   group 2 under the factory key; --body is the 12 byte
           MAC fragment + number + 01 + key
  control  group 5, forwarded, under --key

Examples:
  fastcon-bridge encode --kind control --body 2201800000000000 --key 11223344
  fastcon-bridge encode --kind wake --seq 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		encodeOpts.forwardSet = cmd.Flags().Changed("forward")
		pkt, cmdInfo, err := encodeCommand(encodeOpts)
		if err != nil {
			return err
		}
		return printPacket(cmd.OutOrStdout(), cmdInfo, pkt)
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	f := encodeCmd.Flags()
	f.StringVar(&encodeOpts.kind, "kind", "control", "Command kind: wake, assign or control")
	f.StringVar(&encodeOpts.body, "body", "", "Command body as hex")
	f.StringVar(&encodeOpts.key, "key", "", "Mesh key as 8 hex digits")
	f.StringVar(&encodeOpts.address, "address", fastcon.DefaultAddress.String(), "3 byte device address")
	f.IntVar(&encodeOpts.seq, "seq", 1, "Sequence number (0-255)")
	f.IntVar(&encodeOpts.group, "group", -1, "Override the command group (0-7)")
	f.IntVar(&encodeOpts.sub, "sub", 0, "Sub index (0-15)")
	f.BoolVar(&encodeOpts.forward, "forward", false, "Override the forward flag")
}

func encodeCommand(o encodeOptions) (fastcon.Packet, fastcon.Command, error) {
	var pkt fastcon.Packet
	cmd, err := buildCommand(o)
	if err != nil {
		return pkt, cmd, err
	}
	addr, err := fastcon.ParseAddress(o.address)
	if err != nil {
		return pkt, cmd, err
	}
	if o.seq < 0 || o.seq > 255 {
		return pkt, cmd, fmt.Errorf("--seq must be 0-255, got %d", o.seq)
	}

	enc := fastcon.NewEncoder(addr)
	enc.SetSequence(uint8(o.seq - 1))
	pkt, err = enc.Encode(cmd)
	return pkt, cmd, err
}

func buildCommand(o encodeOptions) (fastcon.Command, error) {
	var cmd fastcon.Command
	body, err := hex.DecodeString(strings.ReplaceAll(o.body, " ", ""))
	if err != nil {
		return cmd, fmt.Errorf("--body: %w", err)
	}

	switch o.kind {
	case "wake":
		cmd = fastcon.WakeCommand()
	case "assign":
		cmd = fastcon.Command{Kind: fastcon.KindAssignKey, Group: fastcon.GroupAssignKey, Key: fastcon.FactoryKey, Body: body}
	case "control":
		if o.key == "" {
			return cmd, fmt.Errorf("--key is required for control commands")
		}
		key, err := fastcon.ParseKey(o.key)
		if err != nil {
			return cmd, err
		}
		cmd = fastcon.Command{Kind: fastcon.KindControl, Group: fastcon.GroupControl, Forward: true, Key: key, Body: body}
	default:
		return cmd, fmt.Errorf("unknown kind %q (wake, assign, control)", o.kind)
	}

	if o.group >= 0 {
		if o.group > 7 {
			return cmd, fmt.Errorf("--group must be 0-7, got %d", o.group)
		}
		cmd.Group = uint8(o.group)
	}
	if o.sub < 0 || o.sub > 15 {
		return cmd, fmt.Errorf("--sub must be 0-15, got %d", o.sub)
	}
	cmd.SubIndex = uint8(o.sub)
	if o.forwardSet {
		cmd.Forward = o.forward
	}
	return cmd, nil
}

func printPacket(w io.Writer, cmd fastcon.Command, pkt fastcon.Packet) error {
	adv, err := radio.LegacyAdvertisingData(pkt.Advertisement[:])
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kind:          %s\n", cmd.Kind)
	fmt.Fprintf(w, "group:         %d (forward=%v, sub=%d)\n", cmd.Group, cmd.Forward, cmd.SubIndex)
	fmt.Fprintf(w, "key:           %X\n", cmd.Key[:])
	fmt.Fprintf(w, "sequence:      %d\n", pkt.Sequence)
	fmt.Fprintf(w, "body:          %X\n", cmd.Body)
	fmt.Fprintf(w, "payload:       %X\n", pkt.Payload[:])
	fmt.Fprintf(w, "frame:         %X\n", pkt.Frame[:])
	fmt.Fprintf(w, "advertisement: %X\n", pkt.Advertisement[:])
	fmt.Fprintf(w, "adv data:      %X\n", adv)
	return nil
}
