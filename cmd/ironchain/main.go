package main

import "github.com/jmcleod/ironchain/cmd/ironchain/cmd"

func main() {
	cmd.Execute()
}
