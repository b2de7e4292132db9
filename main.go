package main

import "github.com/rrdrake/vvtools-sub002/cmd"

func main() {
	cmd.Execute()
}
