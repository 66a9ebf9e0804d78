package main

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// newChunkCmd returns the "chunk" command, which sends test GELF messages
// to a running server. Payloads larger than --chunk-size go out as chunked
// datagrams.
func newChunkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Send test GELF messages over UDP or TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			useTCP, _ := cmd.Flags().GetBool("tcp")
			host, _ := cmd.Flags().GetString("host")
			text, _ := cmd.Flags().GetString("message")
			level, _ := cmd.Flags().GetInt("level")
			pad, _ := cmd.Flags().GetInt("size")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")
			count, _ := cmd.Flags().GetInt("count")

			if host == "" {
				host, _ = os.Hostname()
			}

			network := "udp"
			if useTCP {
				network = "tcp"
			}
			conn, err := net.Dial(network, addr)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			var datagrams int
			for i := range count {
				fields := map[string]any{
					message.FieldHost:         host,
					message.FieldShortMessage: text,
					message.FieldLevel:        level,
					"seq":                     i,
				}
				if pad > 0 {
					fields[message.FieldFullMessage] = strings.Repeat("x", pad)
				}
				payload, err := gelf.Encode(message.New(fields, time.Now(), ""))
				if err != nil {
					return err
				}

				if useTCP {
					if _, err := conn.Write(append(payload, 0)); err != nil {
						return err
					}
					datagrams++
					continue
				}

				parts, err := gelf.Split(rand.Uint64(), payload, chunkSize)
				if err != nil {
					return err
				}
				for _, p := range parts {
					if _, err := conn.Write(p); err != nil {
						return err
					}
				}
				datagrams += len(parts)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %d message(s) in %d write(s) to %s/%s\n", count, datagrams, network, addr)
			return nil
		},
	}

	cmd.Flags().String("addr", "127.0.0.1:12201", "server GELF address")
	cmd.Flags().Bool("tcp", false, "send null-delimited frames over TCP instead of UDP")
	cmd.Flags().String("host", "", "host field (default: local hostname)")
	cmd.Flags().StringP("message", "m", "graylogd test message", "short_message field")
	cmd.Flags().Int("level", 6, "syslog severity")
	cmd.Flags().Int("size", 0, "bytes of full_message padding")
	cmd.Flags().Int("chunk-size", gelf.DefaultChunkSize, "payload bytes per UDP datagram")
	cmd.Flags().IntP("count", "n", 1, "number of messages")
	return cmd
}
