package main

import "github.com/spinneret/spinneret/cmd"

func main() {
	cmd.Execute()
}
