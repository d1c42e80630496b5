package main

import "github.com/jmcleod/scrumlive/cmd/scrumlive/cmd"

func main() {
	cmd.Execute()
}
