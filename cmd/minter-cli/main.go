package main

import "btc-minter/cmd/minter-cli/cmd"

func main() {
	cmd.Execute()
}
