// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Ticket Router: Operator CLI
//
// Usage:
//
//	routerctl check-config [--domains path] [--domains-only]
//	routerctl resolve <address> [--subject text] [--domains path]
//	routerctl replay --dir <path> [--since 168h] [--to address] [--delay 200ms]
//	routerctl failed [--since 24h] [--limit 50]
//	routerctl queue
package main

import (
	"log/slog"
	"os"
)

func main() {
	// Logs go to stderr so command output stays clean.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
