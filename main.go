package main

import "github.com/tanq16/vidrelay/cmd"

func main() {
	cmd.Execute()
}
