// Package main provides the entry point for lockctl.
package main

import "github.com/kneutral-org/lockservice/internal/cli"

func main() {
	cli.Execute()
}
