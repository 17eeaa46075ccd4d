// Command dpp is the single binary for every platform process: the API
// server, the worker, the reaper and reconciler supervisors, and the
// operational seed/audit/admin tooling.
package main

import "github.com/packforge/dpp/internal/cli"

func main() {
	cli.Execute()
}
