package main

import "github.com/endorses/scrubcat/cmd"

func main() {
	cmd.Execute()
}
