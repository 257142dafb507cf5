package main

import "github.com/tanq16/bucket/cmd"

func main() {
	cmd.Execute()
}
