// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// printFatal logs an error and exits afterwards.
func printFatal(err error, msg string) {
	log.WithError(err).Fatal(msg)
}

// printUsage of mpclink-tool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s ping|bench|exchange:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s ping configuration.toml peer count\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends count probes to the party with the given rank and prints each\n")
	_, _ = fmt.Fprintf(os.Stderr, "  round-trip time. The peer has to run ping against this party as well.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s bench configuration.toml peer count size\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Exchanges count messages of size bytes with the party with the given rank\n")
	_, _ = fmt.Fprintf(os.Stderr, "  and prints the throughput afterwards. The peer has to run bench with the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  same count and size.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s exchange configuration.toml peer directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Watches the directory and sends every new file to the party with the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  given rank. Files received from the peer are written into the same\n")
	_, _ = fmt.Fprintf(os.Stderr, "  directory after their BLAKE3 digest was verified.\n\n")

	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "ping":
		ping(os.Args[2:])

	case "bench":
		bench(os.Args[2:])

	case "exchange":
		startExchange(os.Args[2:])

	default:
		printUsage()
	}
}
