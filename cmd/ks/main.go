// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command ks publishes, subscribes and runs interop scenarios against ksd.
package main

import (
	"context"
	"os"

	"github.com/absmach/ks/internal/cli"
)

func main() {
	os.Exit(cli.Main(context.Background(), os.Args[1:]))
}
