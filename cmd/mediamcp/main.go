package main

import "github.com/felixgeelhaar/mediamcp/cmd/mediamcp/cli"

func main() {
	cli.Execute()
}
