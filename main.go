package main

import "github.com/duckchat-net/duckchatd/cmd"

func main() {
	cmd.Execute()
}
