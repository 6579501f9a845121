// Package main provides the entry point for the dcf CLI.
package main

import "yqhp/dcf/cmd"

func main() {
	cmd.Execute()
}
