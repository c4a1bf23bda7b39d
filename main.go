package main

import "github.com/reelforge/reelforge/cmd"

func main() {
	cmd.Execute()
}
