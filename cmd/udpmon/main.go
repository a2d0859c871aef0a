// Package main is a UDP listener that prints every datagram it receives,
// as text and as a hex dump. It is the counterpart of the monitor's UDP
// export, for eyeballing what a powermon host is actually sending.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/utils"
)

var logger = golog.NewDevelopmentLogger("udpmon")

const bufferSize = 65535

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Host string `flag:"host,default=0.0.0.0,usage=bind address"`
	Port int    `flag:"port,default=9999,usage=port to listen on"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp", net.JoinHostPort(argsParsed.Host, strconv.Itoa(argsParsed.Port)))
	if err != nil {
		return err
	}
	logger.Infof("listening on %s", conn.LocalAddr())

	// ReadFrom has no context; closing the socket is how the loop stops.
	go func() {
		<-ctx.Done()
		utils.UncheckedError(conn.Close())
	}()

	buf := make([]byte, bufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printDatagram(os.Stdout, time.Now(), addr.String(), buf[:n])
	}
}

func printDatagram(w io.Writer, ts time.Time, src string, data []byte) {
	fmt.Fprintf(w, "[%s] from %s (%d bytes)\n", ts.Format("2006-01-02 15:04:05.000000"), src, len(data))
	fmt.Fprintln(w, "TEXT:")
	fmt.Fprintln(w, string(data))
	fmt.Fprintln(w, "HEX:")
	fmt.Fprintln(w, hexdump(data))
	fmt.Fprintln(w, strings.Repeat("-", 60))
}

func hexdump(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}
