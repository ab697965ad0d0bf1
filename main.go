// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// cn105ctl - Mitsubishi CN105 heat pump controller
//
// A CLI and daemon that drives Mitsubishi indoor units over the CN105
// service port, locally over UART or through a WebSocket serial bridge.

package main

import (
	"os"

	"github.com/Thermoquad/cn105ctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
