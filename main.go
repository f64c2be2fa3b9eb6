package main

import "github.com/nhirsama/Goster-Mesh/cli"

func main() {
	cli.Run()
}
