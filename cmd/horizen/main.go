// Package main provides the horizen CLI: password protection, the API-key
// store, export/import and the MCP server for the horizen start page data.
package main

import "os"

func main() {
	if err := execute(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
