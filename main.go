package main

import "github.com/crucible-dev/crucible/cmd"

func main() {
	cmd.Execute()
}
