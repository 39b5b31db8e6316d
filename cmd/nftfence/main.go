package main

import (
	"github.com/shizukutanaka/nftfence/cmd/nftfence/commands"
)

func main() {
	commands.Execute()
}
