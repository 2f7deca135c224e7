package main

import "github.com/inkwire/gatehouse/cmd/gatehouse/cmd"

func main() {
	cmd.Execute()
}
