package main

import "oracle-sentinel/internal/cli"

func main() {
	cli.Execute()
}
